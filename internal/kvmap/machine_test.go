package kvmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	m := NewMachine()
	resp := m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}}, 0)
	require.Equal(t, StatusOK, resp.Update.Status)

	got := m.Query(Request{Op: OpGet, Key: "a"})
	require.True(t, got.Versioned.Present)
	require.Equal(t, []byte{1}, got.Versioned.Value)
	require.EqualValues(t, 1, got.Versioned.Version)
}

func TestReplaceVersionPreconditionFailed(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}}, 0)

	resp := m.Apply(Request{Op: OpReplaceVersion, Key: "a", ExpectedVersion: 999, NewValue: []byte{2}}, 1)
	require.Equal(t, StatusPreconditionFailed, resp.Update.Status)

	got := m.Query(Request{Op: OpGet, Key: "a"})
	require.Equal(t, []byte{1}, got.Versioned.Value)
}

func TestTransactionCommitContiguousVersions(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}}, 0)
	m.Apply(Request{Op: OpPut, Key: "b", Value: []byte{2}}, 0)
	begin := m.Query(Request{Op: OpBegin, TransactionID: "T1"})

	log := TransactionLog{
		TransactionID: "T1",
		Updates: []Update{
			{Kind: UpdatePut, Key: "a", Value: []byte{9}, ExpectedVersion: 1},
			{Kind: UpdatePut, Key: "b", Value: []byte{8}, ExpectedVersion: 2},
		},
	}
	prep := m.Apply(Request{Op: OpPrepare, Log: log}, 1)
	require.Equal(t, PrepareOK, prep.PrepareResult)

	commit := m.Apply(Request{Op: OpCommit, TransactionID: "T1"}, 2)
	require.Equal(t, CommitOK, commit.CommitResult)

	a := m.Query(Request{Op: OpGet, Key: "a"})
	b := m.Query(Request{Op: OpGet, Key: "b"})
	require.Greater(t, a.Versioned.Version, begin.StartVersion)
	require.Equal(t, a.Versioned.Version+1, b.Versioned.Version)
}

func TestConcurrentTransactionConflict(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpBegin, TransactionID: "T1"}, 0)
	m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{1}, ExpectedVersion: 0}},
	}}, 0)

	m.Apply(Request{Op: OpBegin, TransactionID: "T2"}, 0)
	resp := m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T2",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 0}},
	}}, 0)
	require.Equal(t, PrepareConcurrentTransaction, resp.PrepareResult)
}

func TestTTLExpiresBeforeNextCommand(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}, TTL: 10}, 0)

	resp := m.Apply(Request{Op: OpPut, Key: "z", Value: []byte{9}}, 15)
	require.Len(t, resp.Events, 1)
	require.Equal(t, EventRemove, resp.Events[0].Type)
	require.Equal(t, "a", resp.Events[0].Key)

	got := m.Query(Request{Op: OpGet, Key: "a"})
	require.False(t, got.Versioned.Present)
}

func TestListenerOrdering(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpAddListener, SessionID: 1}, 0)
	m.Apply(Request{Op: OpPut, Key: "x", Value: []byte{1}}, 0)
	m.Apply(Request{Op: OpPut, Key: "x", Value: []byte{2}}, 1)
	m.Apply(Request{Op: OpRemove, Key: "x"}, 2)

	events := m.Drain(1)
	require.Len(t, events, 3)
	require.Equal(t, EventInsert, events[0].Type)
	require.Equal(t, EventUpdate, events[1].Type)
	require.Equal(t, EventRemove, events[2].Type)
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}, TTL: 100}, 0)
	m.Apply(Request{Op: OpPut, Key: "b", Value: []byte{2}}, 1)
	m.Apply(Request{Op: OpBegin, TransactionID: "T1"}, 1)
	m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "c", Value: []byte{3}, ExpectedVersion: 0}},
	}}, 1)
	m.Apply(Request{Op: OpAddListener, SessionID: 7}, 1)
	m.Apply(Request{Op: OpPut, Key: "d", Value: []byte{4}}, 1)

	data, err := m.Save()
	require.NoError(t, err)

	m2 := NewMachine()
	require.NoError(t, m2.Load(data))

	data2, err := m2.Save()
	require.NoError(t, err)
	require.Equal(t, data, data2)
}

func TestClearEmitsAscendingKeyOrder(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "b", Value: []byte{1}}, 0)
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{2}}, 0)
	m.Apply(Request{Op: OpAddListener, SessionID: 1}, 0)

	resp := m.Apply(Request{Op: OpClear}, 1)
	require.Len(t, resp.Events, 2)
	require.Equal(t, "a", resp.Events[0].Key)
	require.Equal(t, "b", resp.Events[1].Key)
}

func TestContainsValueRejectsNil(t *testing.T) {
	m := NewMachine()
	resp := m.Query(Request{Op: OpContainsValue, Value: nil})
	require.NotNil(t, resp.Err)
	require.Equal(t, KindMalformedCommand, resp.Err.Kind)
}
