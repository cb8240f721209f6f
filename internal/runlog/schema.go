package runlog

// Reference DDL for the tables this package reads and writes. Not applied
// by this binary; the store is provisioned out-of-band.
//
// CREATE TABLE meta_etl_run_log (
//     id            BIGSERIAL PRIMARY KEY,
//     api_name      TEXT NOT NULL,
//     run_type      TEXT NOT NULL,
//     start_at      TIMESTAMPTZ NOT NULL,
//     end_at        TIMESTAMPTZ,
//     request_count INT NOT NULL DEFAULT 0,
//     fail_count    INT NOT NULL DEFAULT 0,
//     status        TEXT NOT NULL,
//     error_text    TEXT
// );
// CREATE INDEX idx_run_log_api_start ON meta_etl_run_log (api_name, start_at);
//
// CREATE TABLE meta_retry_guard (
//     task_name       TEXT NOT NULL,
//     idempotency_key TEXT NOT NULL,
//     status          TEXT NOT NULL,
//     attempt         INT NOT NULL DEFAULT 0,
//     started_at      TIMESTAMPTZ,
//     finished_at     TIMESTAMPTZ,
//     timeout_sec     INT,
//     err_msg         TEXT,
//     PRIMARY KEY (task_name, idempotency_key)
// );
