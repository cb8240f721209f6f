package watermark

// Reference DDL for the table this package reads and writes. Not applied
// by this binary; the store is provisioned out-of-band.
//
// CREATE TABLE meta_etl_watermark (
//     api_name    TEXT PRIMARY KEY,
//     water_mark  INT NOT NULL DEFAULT 0,
//     status      TEXT NOT NULL,
//     last_run_at TIMESTAMPTZ,
//     last_err    TEXT,
//     updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
// );
