package reconciliation

// Schema is the DDL for the Recording Store. Applied with utils.EnsureSchema at startup.
//
// The partial unique indexes enforce "one active row per intake" and "correlation key
// unique among non-terminal rows"; terminal rows are retained indefinitely.
const Schema = `
CREATE TABLE IF NOT EXISTS recording_reconciliations (
    id                     TEXT PRIMARY KEY,
    intake_id              TEXT NOT NULL,
    callee_number          TEXT NOT NULL,
    correlation_key        TEXT NOT NULL,
    provider_call_id       TEXT,
    provider_recording_id  TEXT,
    state                  TEXT NOT NULL,
    durable_uri            TEXT,
    download_ref           TEXT,
    duration_seconds       INTEGER,
    attempt_count          INTEGER NOT NULL DEFAULT 0,
    last_attempt_at        TIMESTAMPTZ,
    last_error             TEXT,
    cleanup_attempt_count  INTEGER NOT NULL DEFAULT 0,
    next_attempt_at        TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL,
    recording_requested_at TIMESTAMPTZ,
    asset_ready_at         TIMESTAMPTZ,
    migrated_at            TIMESTAMPTZ,
    source_deleted_at      TIMESTAMPTZ,
    failed_at              TIMESTAMPTZ,
    CONSTRAINT recording_reconciliations_durable_uri_chk CHECK (
        (durable_uri IS NOT NULL) = (state IN ('MIGRATED', 'SOURCE_DELETED'))
    )
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_recon_active_intake
    ON recording_reconciliations (intake_id) WHERE state NOT IN ('SOURCE_DELETED', 'FAILED');
CREATE UNIQUE INDEX IF NOT EXISTS idx_recon_active_correlation
    ON recording_reconciliations (correlation_key) WHERE state NOT IN ('SOURCE_DELETED', 'FAILED');
CREATE INDEX IF NOT EXISTS idx_recon_provider_call ON recording_reconciliations (provider_call_id);
CREATE INDEX IF NOT EXISTS idx_recon_callee_created ON recording_reconciliations (callee_number, created_at);
CREATE INDEX IF NOT EXISTS idx_recon_state_created ON recording_reconciliations (state, created_at);
CREATE INDEX IF NOT EXISTS idx_recon_state_requested ON recording_reconciliations (state, recording_requested_at);
CREATE INDEX IF NOT EXISTS idx_recon_state_next_attempt ON recording_reconciliations (state, next_attempt_at);
`
