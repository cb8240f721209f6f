package calendar

// Reference DDL for the table this package reads. Not applied by this
// binary; the store is provisioned out-of-band.
//
// CREATE TABLE dim_trade_cal (
//     exchange TEXT NOT NULL,
//     cal_date INT NOT NULL,
//     is_open  SMALLINT NOT NULL,
//     PRIMARY KEY (exchange, cal_date)
// );
