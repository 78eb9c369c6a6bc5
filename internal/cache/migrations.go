package cache

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY,
    email TEXT NOT NULL,
    mail_type TEXT NOT NULL DEFAULT 'outlook',
    status TEXT,
    last_check_time TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS mail_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    subject TEXT,
    sender TEXT,
    received_time TEXT,
    content TEXT,
    folder TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_email ON mail_records(email_id);
`
