package storage

import (
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gwstation.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndRecentUplinks(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		_, err := db.InsertUplink(&UplinkRecord{
			SlaveIdx:   i % 2,
			XTime:      int64(1000 + i),
			FreqHz:     915000000,
			SF:         7,
			BW:         125000,
			PayloadLen: 20,
		})
		if err != nil {
			t.Fatalf("InsertUplink: %v", err)
		}
	}

	got, err := db.RecentUplinks(2)
	if err != nil {
		t.Fatalf("RecentUplinks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d uplinks, want 2", len(got))
	}
	if got[0].XTime != 1002 {
		t.Fatalf("most recent uplink xtime = %d, want 1002", got[0].XTime)
	}
}

func TestInsertAndRecentSlaveRestarts(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.InsertSlaveRestart(&SlaveRestartRecord{SlaveIdx: 1, RestartCount: 1, Reason: "SIGKILL"}); err != nil {
		t.Fatalf("InsertSlaveRestart: %v", err)
	}
	if _, err := db.InsertSlaveRestart(&SlaveRestartRecord{SlaveIdx: 1, RestartCount: 2, Reason: "crash"}); err != nil {
		t.Fatalf("InsertSlaveRestart: %v", err)
	}

	got, err := db.RecentSlaveRestarts(10)
	if err != nil {
		t.Fatalf("RecentSlaveRestarts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d restarts, want 2", len(got))
	}
	if got[0].RestartCount != 2 || got[0].Reason != "crash" {
		t.Fatalf("most recent restart = %+v, want restart_count=2 reason=crash", got[0])
	}
}

func TestInsertAndRecentCupsRuns(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.InsertCupsRun(&CupsRunRecord{CredSet: "reg", Success: true, TCURIChanged: true}); err != nil {
		t.Fatalf("InsertCupsRun: %v", err)
	}
	if _, err := db.InsertCupsRun(&CupsRunRecord{CredSet: "bak", Success: false, FailCount: 3}); err != nil {
		t.Fatalf("InsertCupsRun: %v", err)
	}

	got, err := db.RecentCupsRuns(10)
	if err != nil {
		t.Fatalf("RecentCupsRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d runs, want 2", len(got))
	}
	if got[0].CredSet != "bak" || got[0].FailCount != 3 {
		t.Fatalf("most recent run = %+v, want cred_set=bak fail_count=3", got[0])
	}
}

func TestInsertAndRecentTCReconnects(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.InsertTCReconnect(&TCReconnectRecord{FromState: "MUXS_CONNECTED", ToState: "ERR_CLOSED", Retries: 0}); err != nil {
		t.Fatalf("InsertTCReconnect: %v", err)
	}
	if _, err := db.InsertTCReconnect(&TCReconnectRecord{FromState: "MUXS_BACKOFF", ToState: "MUXS_CONNECTED", Retries: 1}); err != nil {
		t.Fatalf("InsertTCReconnect: %v", err)
	}

	got, err := db.RecentTCReconnects(10)
	if err != nil {
		t.Fatalf("RecentTCReconnects: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d reconnects, want 2", len(got))
	}
	if got[0].Retries != 1 {
		t.Fatalf("most recent reconnect retries = %d, want 1", got[0].Retries)
	}
}
