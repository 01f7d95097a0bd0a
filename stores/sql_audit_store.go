package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/portmesh/accesskit"
)

// SQLAuditStore persists decision records in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *accesskit.AuditEntry) error {
	matched, _ := json.Marshal(entry.MatchedIDs)
	q := `INSERT INTO access_log(id, ts, tenant_id, principal_id, resource_type, resource_ref, action, allowed, reason, matched_json) VALUES(:id, :ts, :tenant_id, :principal_id, :resource_type, :resource_ref, :action, :allowed, :reason, :matched_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"ts":            entry.Timestamp,
		"tenant_id":     entry.TenantID,
		"principal_id":  entry.PrincipalID,
		"resource_type": entry.ResourceType,
		"resource_ref":  entry.ResourceRef,
		"action":        string(entry.Action),
		"allowed":       boolToInt(entry.Allowed),
		"reason":        string(entry.Reason),
		"matched_json":  string(matched),
	})
	return err
}

func (s *SQLAuditStore) AccessLog(ctx context.Context, filter accesskit.AuditFilter) ([]*accesskit.AuditEntry, error) {
	q := `SELECT id, ts, tenant_id, principal_id, resource_type, resource_ref, action, allowed, reason, matched_json FROM access_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = filter.ResourceType
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if !filter.StartTime.IsZero() {
		q += " AND ts >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND ts <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	rows, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*accesskit.AuditEntry, 0)
	for rows.Next() {
		e := &accesskit.AuditEntry{}
		var tsRaw interface{}
		var action, reason, matchedJSON string
		var allowed int
		if err := rows.Scan(&e.ID, &tsRaw, &e.TenantID, &e.PrincipalID, &e.ResourceType, &e.ResourceRef, &action, &allowed, &reason, &matchedJSON); err != nil {
			return nil, err
		}
		e.Timestamp = scanTime(tsRaw)
		e.Action = accesskit.Action(action)
		e.Reason = accesskit.ReasonCode(reason)
		e.Allowed = allowed == 1
		json.Unmarshal([]byte(matchedJSON), &e.MatchedIDs)
		out = append(out, e)
	}
	return out, nil
}
