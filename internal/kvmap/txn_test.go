package kvmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteLockHeldBlocksOtherWrites(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{1}}, 0)
	m.Apply(Request{Op: OpBegin, TransactionID: "T1"}, 0)
	prep := m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 1}},
	}}, 0)
	require.Equal(t, PrepareOK, prep.PrepareResult)

	resp := m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{9}}, 1)
	require.Equal(t, StatusWriteLock, resp.Update.Status)
}

func TestRollbackReleasesLocks(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{1}}, 0)
	m.Apply(Request{Op: OpBegin, TransactionID: "T1"}, 0)
	m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 1}},
	}}, 0)

	rb := m.Apply(Request{Op: OpRollback, TransactionID: "T1"}, 1)
	require.Equal(t, RollbackOK, rb.RollbackResult)

	resp := m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{9}}, 2)
	require.Equal(t, StatusOK, resp.Update.Status)
}

func TestRollbackUnknownTransaction(t *testing.T) {
	m := NewMachine()
	rb := m.Apply(Request{Op: OpRollback, TransactionID: "ghost"}, 0)
	require.Equal(t, RollbackUnknownTransactionID, rb.RollbackResult)
}

func TestPrepareAndCommitFastPath(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{1}}, 0)

	resp := m.Apply(Request{Op: OpPrepareAndCommit, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 1}},
	}}, 1)
	require.Equal(t, PrepareOK, resp.PrepareResult)

	got := m.Query(Request{Op: OpGet, Key: "k"})
	require.Equal(t, []byte{2}, got.Versioned.Value)
}

func TestBeginIdempotent(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "a", Value: []byte{1}}, 0)
	v1 := m.Query(Request{Op: OpBegin, TransactionID: "T1"}).StartVersion
	v2 := m.Query(Request{Op: OpBegin, TransactionID: "T1"}).StartVersion
	require.Equal(t, v1, v2)
}

func TestSessionExpireRollsBackPreparedTransaction(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{1}}, 0)
	m.Query(Request{Op: OpBegin, TransactionID: "T1", SessionID: 7})
	prep := m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 1}},
	}, SessionID: 7}, 1)
	require.Equal(t, PrepareOK, prep.PrepareResult)

	locked := m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{9}}, 2)
	require.Equal(t, StatusWriteLock, locked.Update.Status)

	m.Apply(Request{Op: OpSessionExpire, SessionID: 7}, 3)

	freed := m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{9}}, 4)
	require.Equal(t, StatusOK, freed.Update.Status)
}

func TestSessionExpireIgnoresOtherSessions(t *testing.T) {
	m := NewMachine()
	m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{1}}, 0)
	m.Query(Request{Op: OpBegin, TransactionID: "T1", SessionID: 7})
	m.Apply(Request{Op: OpPrepare, Log: TransactionLog{
		TransactionID: "T1",
		Updates:       []Update{{Kind: UpdatePut, Key: "k", Value: []byte{2}, ExpectedVersion: 1}},
	}, SessionID: 7}, 1)

	m.Apply(Request{Op: OpSessionExpire, SessionID: 99}, 2)

	still := m.Apply(Request{Op: OpPut, Key: "k", Value: []byte{9}}, 3)
	require.Equal(t, StatusWriteLock, still.Update.Status)
}
