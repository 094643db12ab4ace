package store

// PostgresSchema creates the tables PostgresStore expects. Monetary values
// are NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS balances (
	user_id    TEXT        NOT NULL,
	asset      TEXT        NOT NULL,
	amount     NUMERIC     NOT NULL DEFAULT 0 CHECK (amount >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT        PRIMARY KEY,
	user_id        TEXT        NOT NULL,
	instrument     TEXT        NOT NULL,
	kind           TEXT        NOT NULL,
	side           TEXT        NOT NULL DEFAULT '',
	asset          TEXT        NOT NULL,
	stake          NUMERIC     NOT NULL CHECK (stake > 0),
	leverage       NUMERIC     NOT NULL DEFAULT 0,
	payout_rate    NUMERIC     NOT NULL DEFAULT 0,
	profit_rate    NUMERIC     NOT NULL DEFAULT 0,
	ltv            NUMERIC     NOT NULL DEFAULT 0,
	principal      NUMERIC     NOT NULL DEFAULT 0,
	loan_asset     TEXT        NOT NULL DEFAULT '',
	entry_price    NUMERIC     NOT NULL,
	entry_time     TIMESTAMPTZ NOT NULL,
	expiry_time    TIMESTAMPTZ,
	state          TEXT        NOT NULL,
	outcome        TEXT,
	settle_trigger TEXT,
	settled_amount NUMERIC,
	exit_price     NUMERIC,
	settled_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS positions_user_state_idx ON positions (user_id, state);
CREATE INDEX IF NOT EXISTS positions_state_idx ON positions (state);

CREATE TABLE IF NOT EXISTS history (
	id             TEXT        PRIMARY KEY,
	position_id    TEXT        NOT NULL UNIQUE REFERENCES positions (id),
	user_id        TEXT        NOT NULL,
	kind           TEXT        NOT NULL,
	instrument     TEXT        NOT NULL,
	side           TEXT        NOT NULL DEFAULT '',
	asset          TEXT        NOT NULL,
	stake          NUMERIC     NOT NULL,
	outcome        TEXT        NOT NULL,
	settle_trigger TEXT        NOT NULL,
	amount         NUMERIC     NOT NULL,
	realized       NUMERIC     NOT NULL,
	realized_asset TEXT        NOT NULL DEFAULT '',
	entry_price    NUMERIC     NOT NULL,
	exit_price     NUMERIC     NOT NULL,
	entry_time     TIMESTAMPTZ NOT NULL,
	settled_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS history_user_idx ON history (user_id, id DESC);

ALTER TABLE history ADD COLUMN IF NOT EXISTS realized_asset TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS engine_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteSchema mirrors PostgresSchema. SQLite has no exact decimal type, so
// amounts are stored as TEXT and all arithmetic happens in Go.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS balances (
	user_id    TEXT      NOT NULL,
	asset      TEXT      NOT NULL,
	amount     TEXT      NOT NULL DEFAULT '0',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT      PRIMARY KEY,
	user_id        TEXT      NOT NULL,
	instrument     TEXT      NOT NULL,
	kind           TEXT      NOT NULL,
	side           TEXT      NOT NULL DEFAULT '',
	asset          TEXT      NOT NULL,
	stake          TEXT      NOT NULL,
	leverage       TEXT      NOT NULL DEFAULT '0',
	payout_rate    TEXT      NOT NULL DEFAULT '0',
	profit_rate    TEXT      NOT NULL DEFAULT '0',
	ltv            TEXT      NOT NULL DEFAULT '0',
	principal      TEXT      NOT NULL DEFAULT '0',
	loan_asset     TEXT      NOT NULL DEFAULT '',
	entry_price    TEXT      NOT NULL,
	entry_time     TIMESTAMP NOT NULL,
	expiry_time    TIMESTAMP,
	state          TEXT      NOT NULL,
	outcome        TEXT,
	settle_trigger TEXT,
	settled_amount TEXT,
	exit_price     TEXT,
	settled_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS positions_user_state_idx ON positions (user_id, state);
CREATE INDEX IF NOT EXISTS positions_state_idx ON positions (state);

CREATE TABLE IF NOT EXISTS history (
	id             TEXT      PRIMARY KEY,
	position_id    TEXT      NOT NULL UNIQUE REFERENCES positions (id),
	user_id        TEXT      NOT NULL,
	kind           TEXT      NOT NULL,
	instrument     TEXT      NOT NULL,
	side           TEXT      NOT NULL DEFAULT '',
	asset          TEXT      NOT NULL,
	stake          TEXT      NOT NULL,
	outcome        TEXT      NOT NULL,
	settle_trigger TEXT      NOT NULL,
	amount         TEXT      NOT NULL,
	realized       TEXT      NOT NULL,
	realized_asset TEXT      NOT NULL DEFAULT '',
	entry_price    TEXT      NOT NULL,
	exit_price     TEXT      NOT NULL,
	entry_time     TIMESTAMP NOT NULL,
	settled_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS history_user_idx ON history (user_id, id DESC);

CREATE TABLE IF NOT EXISTS engine_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
