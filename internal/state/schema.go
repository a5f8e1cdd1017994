package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  session_id TEXT NOT NULL,
  subject TEXT,
  body TEXT NOT NULL,
  metadata TEXT,
  payload TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream_session_created ON events(stream, session_id, created_at);

CREATE TABLE IF NOT EXISTS turns (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);

CREATE TABLE IF NOT EXISTS invocations (
  correlation_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  action TEXT NOT NULL,
  site TEXT NOT NULL,
  arguments TEXT,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT,
  created_at TEXT NOT NULL,
  completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_invocations_session_created ON invocations(session_id, created_at);
`
