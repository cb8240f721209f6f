package quality

// Reference DDL for the table this package writes. Not applied by this
// binary; the store is provisioned out-of-band.
//
// CREATE TABLE meta_quality_check_log (
//     id          BIGSERIAL PRIMARY KEY,
//     check_date  INT NOT NULL,
//     check_name  TEXT NOT NULL,
//     status      TEXT NOT NULL,
//     severity    TEXT NOT NULL,
//     detail      TEXT,
//     checked_at  TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX idx_quality_check_log_date ON meta_quality_check_log (check_date);
