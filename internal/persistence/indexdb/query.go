package indexdb

import (
	"database/sql"
)

type Run struct {
	RunID        string `json:"run_id"`
	Scenario     string `json:"scenario"`
	StartedAt    string `json:"started_at"`
	TuningDigest string `json:"tuning_digest"`
}

type DecisionCount struct {
	Kind   string `json:"kind"`
	Action string `json:"action"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type Decision struct {
	Tick   uint64      `json:"tick"`
	At     uint64      `json:"at"`
	Entity uint64      `json:"entity"`
	Kind   string      `json:"kind"`
	Action string      `json:"action"`
	Reason string      `json:"reason"`
	Target *[3]float64 `json:"target,omitempty"`
}

type FailureCount struct {
	Subsystem string `json:"subsystem"`
	Reason    string `json:"reason"`
	Count     int    `json:"count"`
}

func ListRuns(db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT run_id,scenario,started_at,tuning_digest FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Scenario, &r.StartedAt, &r.TuningDigest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDecisions groups a run's decisions by kind, action and reason.
func CountDecisions(db *sql.DB, runID string) ([]DecisionCount, error) {
	rows, err := db.Query(`SELECT kind,action,reason,COUNT(*) FROM decisions WHERE run_id=? GROUP BY kind,action,reason ORDER BY kind,action,reason`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionCount
	for rows.Next() {
		var c DecisionCount
		if err := rows.Scan(&c.Kind, &c.Action, &c.Reason, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EntityDecisions returns the ownership history of one vehicle, oldest first.
func EntityDecisions(db *sql.DB, runID string, entity uint64, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT tick,at_ms,entity,kind,action,reason,x,y,z FROM decisions WHERE run_id=? AND entity=? ORDER BY tick,seq LIMIT ?`, runID, int64(entity), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var (
			d       Decision
			x, y, z sql.NullFloat64
		)
		if err := rows.Scan(&d.Tick, &d.At, &d.Entity, &d.Kind, &d.Action, &d.Reason, &x, &y, &z); err != nil {
			return nil, err
		}
		if x.Valid && y.Valid && z.Valid {
			d.Target = &[3]float64{x.Float64, y.Float64, z.Float64}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func CountFailures(db *sql.DB, runID string) ([]FailureCount, error) {
	rows, err := db.Query(`SELECT subsystem,reason,COUNT(*) FROM failures WHERE run_id=? GROUP BY subsystem,reason ORDER BY subsystem,reason`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailureCount
	for rows.Next() {
		var c FailureCount
		if err := rows.Scan(&c.Subsystem, &c.Reason, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
