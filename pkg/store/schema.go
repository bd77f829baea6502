package store

// schemaFor returns the idempotent DDL for the given dialect. Column
// types are kept deliberately portable (TEXT for JSON blobs, BIGINT for
// monotonic counters) so the same logical schema works against both
// Postgres in production and the sqlite lite-mode fallback used in
// development and tests.
func schemaFor(d Driver) []string {
	jsonType := "JSONB"
	tsType := "TIMESTAMPTZ"
	if d == DriverSQLite {
		jsonType = "TEXT"
		tsType = "TIMESTAMP"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			intent_type TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			context ` + jsonType + `,
			metadata ` + jsonType + `,
			status TEXT NOT NULL,
			trust_snapshot ` + jsonType + `,
			trust_level DOUBLE PRECISION,
			trust_score DOUBLE PRECISION,
			policy_version INTEGER,
			dedupe_hash TEXT NOT NULL,
			idempotency_key TEXT,
			cancellation_reason TEXT,
			created_at ` + tsType + ` NOT NULL,
			updated_at ` + tsType + ` NOT NULL,
			evaluated_at ` + tsType + `,
			decided_at ` + tsType + `,
			completed_at ` + tsType + `,
			deleted_at ` + tsType + `
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_dedupe_active
			ON intents (tenant_id, dedupe_hash)
			WHERE status NOT IN ('approved','denied','completed','failed','cancelled')`,
		`CREATE INDEX IF NOT EXISTS idx_intents_list
			ON intents (tenant_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS intent_events (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload ` + jsonType + `,
			sequence_number BIGINT NOT NULL,
			previous_hash TEXT NOT NULL,
			event_hash TEXT NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_intent_events_seq
			ON intent_events (intent_id, sequence_number)`,

		`CREATE TABLE IF NOT EXISTS intent_evaluations (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			result ` + jsonType + `,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			policy_id TEXT,
			policy_version INTEGER,
			created_at ` + tsType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intent_evaluations_intent
			ON intent_evaluations (intent_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT 'default',
			priority INTEGER NOT NULL DEFAULT 100,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			definition ` + jsonType + ` NOT NULL,
			checksum TEXT NOT NULL,
			created_at ` + tsType + ` NOT NULL,
			updated_at ` + tsType + ` NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_published
			ON policies (tenant_id, namespace, name)
			WHERE status = 'published'`,
		`CREATE INDEX IF NOT EXISTS idx_policies_lookup
			ON policies (tenant_id, namespace, name, version DESC)`,

		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			reason_category TEXT,
			escalated_to TEXT NOT NULL,
			status TEXT NOT NULL,
			timeout_at ` + tsType + ` NOT NULL,
			acknowledged_at ` + tsType + `,
			resolved_by TEXT,
			resolved_at ` + tsType + `,
			resolution_notes TEXT,
			sla_breached BOOLEAN NOT NULL DEFAULT FALSE,
			created_at ` + tsType + ` NOT NULL,
			updated_at ` + tsType + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_active
			ON escalations (intent_id)
			WHERE status IN ('pending','acknowledged')`,

		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor ` + jsonType + `,
			target ` + jsonType + `,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			before_state ` + jsonType + `,
			after_state ` + jsonType + `,
			diff ` + jsonType + `,
			trace_id TEXT,
			span_id TEXT,
			sequence_number BIGINT NOT NULL,
			previous_hash TEXT NOT NULL,
			record_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_records_seq
			ON audit_records (tenant_id, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_trace
			ON audit_records (tenant_id, trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_target
			ON audit_records (tenant_id, target)`,

		`CREATE TABLE IF NOT EXISTS audit_tenant_sequence (
			tenant_id TEXT PRIMARY KEY,
			last_sequence BIGINT NOT NULL DEFAULT 0,
			last_hash TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS audit_chain_checkpoints (
			tenant_id TEXT NOT NULL,
			window_start ` + tsType + ` NOT NULL,
			window_end ` + tsType + ` NOT NULL,
			root_hash TEXT NOT NULL,
			record_count BIGINT NOT NULL,
			created_at ` + tsType + ` NOT NULL,
			PRIMARY KEY (tenant_id, window_start)
		)`,

		`CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti TEXT PRIMARY KEY,
			expires_at ` + tsType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS revoke_before (
			user_id TEXT PRIMARY KEY,
			revoke_before ` + tsType + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			payload ` + jsonType + `,
			last_error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,
	}
}
