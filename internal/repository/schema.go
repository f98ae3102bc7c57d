package repository

// Schema definitions for the FraudWatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    rule_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    fraud_reason TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    condition_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority, rule_id);
`

// Reports are append-only; a transaction may have many.
const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    report_id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    reporting_entity_id TEXT NOT NULL,
    fraud_details TEXT NOT NULL,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    failure_code TEXT,
    source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    created_day TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_tx ON reports(transaction_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_day ON reports(created_day);
`

const schemaDetections = `
CREATE TABLE IF NOT EXISTS detections (
    detection_id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    payer_id TEXT NOT NULL DEFAULT '',
    payee_id TEXT NOT NULL DEFAULT '',
    is_fraud INTEGER NOT NULL,
    fraud_source TEXT NOT NULL,
    fraud_reason TEXT,
    fraud_score REAL NOT NULL,
    rule_id TEXT,
    detected_at TIMESTAMP NOT NULL,
    detected_day TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_tx ON detections(transaction_id, detected_at);
CREATE INDEX IF NOT EXISTS idx_detections_day ON detections(detected_day, is_fraud);
CREATE INDEX IF NOT EXISTS idx_detections_payer ON detections(payer_id);
CREATE INDEX IF NOT EXISTS idx_detections_payee ON detections(payee_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaReports,
		schemaDetections,
	}
}
