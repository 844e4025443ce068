package blog

import (
	"testing"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestMockRecordsLines(t *testing.T) {
	m := NewMock()
	m.Infof("hello %s", "world")
	m.AuditErr("something bad")

	lines := m.GetAll()
	test.AssertEquals(t, len(lines), 2, "should have recorded two lines")
	test.AssertEquals(t, lines[0].Msg, "hello world", "formatted message")
	test.AssertEquals(t, lines[1].Tag, "AUDIT", "audit tag")
}

func TestMockGetAllMatching(t *testing.T) {
	m := NewMock()
	m.Info("one")
	m.Err("two")
	m.Info("three")

	infos := m.GetAllMatching("INFO")
	test.AssertEquals(t, len(infos), 2, "should match only INFO lines")
}

func TestMockClear(t *testing.T) {
	m := NewMock()
	m.Info("one")
	m.Clear()
	test.AssertEquals(t, len(m.GetAll()), 0, "cleared mock should have no lines")
}

var _ Logger = (*Mock)(nil)
