package writer

// Reference DDL shape for the ODS fact tables Writer upserts into,
// per spec §6's persisted-layout contract. Each concrete ods_* table
// (ods_daily, ods_daily_basic, ods_moneyflow, ...) follows this column
// shape with table-specific measure columns appended; none of it is
// applied by this binary, which assumes the store is provisioned
// out-of-band.
//
// CREATE TABLE ods_example (
//     ts_code    CHAR(9) NOT NULL,
//     trade_date INT NOT NULL,
//     ...,              -- monetary columns: DECIMAL(20,4); ratios: DECIMAL(12,6)
//     updated_at TIMESTAMPTZ NOT NULL DEFAULT now(), -- set by every upsert
//     PRIMARY KEY (ts_code, trade_date)
// );
// CREATE INDEX idx_ods_example_code_date ON ods_example (ts_code, trade_date);
