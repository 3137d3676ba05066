package store

// schema is the idempotent startup migration, grounded on the
// teacher's init/drive.go CREATE-TABLE-IF-NOT-EXISTS-plus-indexes
// pattern. One aggregate table per model.Dimension plus the backends,
// connection_records and retention_config tables from spec.md §3.
const schema = `
CREATE TABLE IF NOT EXISTS backends (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    url TEXT NOT NULL,
    token TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    listening INTEGER NOT NULL DEFAULT 1,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS connection_records (
    id TEXT PRIMARY KEY,
    backend_id TEXT NOT NULL,
    host TEXT NOT NULL DEFAULT '',
    destination_ip TEXT NOT NULL DEFAULT '',
    source_ip TEXT NOT NULL DEFAULT '',
    chain TEXT NOT NULL DEFAULT '',
    rule TEXT NOT NULL DEFAULT '',
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_conn_records_backend ON connection_records(backend_id);
CREATE INDEX IF NOT EXISTS idx_conn_records_closed_at ON connection_records(closed_at);

CREATE TABLE IF NOT EXISTS retention_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    connection_logs_days INTEGER NOT NULL DEFAULT 7,
    hourly_stats_days INTEGER NOT NULL DEFAULT 90,
    auto_cleanup INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS domain_stats (
    backend_id TEXT NOT NULL,
    host TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, host, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_domain_stats_backend ON domain_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS ip_stats (
    backend_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    country_code TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (backend_id, ip, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_ip_stats_backend ON ip_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS proxy_stats (
    backend_id TEXT NOT NULL,
    chain TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, chain, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_proxy_stats_backend ON proxy_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS rule_stats (
    backend_id TEXT NOT NULL,
    rule TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, rule, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_rule_stats_backend ON rule_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS device_stats (
    backend_id TEXT NOT NULL,
    source_ip TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, source_ip, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_device_stats_backend ON device_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS country_stats (
    backend_id TEXT NOT NULL,
    country_code TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, country_code, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_country_stats_backend ON country_stats(backend_id, time_bucket);

CREATE TABLE IF NOT EXISTS hourly_stats (
    backend_id TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_hourly_stats_backend ON hourly_stats(backend_id, time_bucket);

-- Join tables (design note: "many-to-many dimensions -> join tables,
-- not dynamic objects") so drill-down queries answer in one scan.
CREATE TABLE IF NOT EXISTS domain_proxy_stats (
    backend_id TEXT NOT NULL,
    host TEXT NOT NULL,
    chain TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, host, chain, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_domain_proxy_host ON domain_proxy_stats(backend_id, host);
CREATE INDEX IF NOT EXISTS idx_domain_proxy_chain ON domain_proxy_stats(backend_id, chain);

CREATE TABLE IF NOT EXISTS ip_domain_stats (
    backend_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    host TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, ip, host, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_ip_domain_ip ON ip_domain_stats(backend_id, ip);
CREATE INDEX IF NOT EXISTS idx_ip_domain_host ON ip_domain_stats(backend_id, host);

CREATE TABLE IF NOT EXISTS rule_domain_chain_stats (
    backend_id TEXT NOT NULL,
    rule TEXT NOT NULL,
    host TEXT NOT NULL,
    chain TEXT NOT NULL,
    time_bucket DATETIME NOT NULL,
    upload INTEGER NOT NULL DEFAULT 0,
    download INTEGER NOT NULL DEFAULT 0,
    connections INTEGER NOT NULL DEFAULT 0,
    last_seen DATETIME,
    PRIMARY KEY (backend_id, rule, host, chain, time_bucket)
);
CREATE INDEX IF NOT EXISTS idx_rule_domain_chain_rule ON rule_domain_chain_stats(backend_id, rule);
`

// dimSpec names a model.Dimension's aggregate table and the column(s)
// holding its non-time-bucket, non-backend key components (see dimSpecs).
// Used to build the UPSERT and read-query SQL generically instead of
// one hand-written function per dimension.
type dimSpec struct {
	table   string
	keyCols []string // ordered key column names beyond backend_id/time_bucket
}
