package cache

type migration struct {
	name string
	sql  string
}

// Times are stored as unix nanoseconds; list fields as JSON arrays.
var migrations = []migration{
	{
		name: "create characters table",
		sql: `
			CREATE TABLE IF NOT EXISTS characters (
				civilization_id TEXT NOT NULL,
				id TEXT NOT NULL,
				name TEXT NOT NULL,
				title TEXT DEFAULT '',
				department TEXT DEFAULT '',
				avatar TEXT DEFAULT '',
				clearance TEXT NOT NULL DEFAULT 'public',
				presence TEXT NOT NULL DEFAULT 'offline',
				status_message TEXT DEFAULT '',
				specialties TEXT NOT NULL DEFAULT '[]',
				sort_order INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (civilization_id, id)
			)
		`,
	},
	{
		name: "create conversations table",
		sql: `
			CREATE TABLE IF NOT EXISTS conversations (
				civilization_id TEXT NOT NULL,
				id TEXT NOT NULL,
				participants TEXT NOT NULL DEFAULT '[]',
				kind TEXT NOT NULL DEFAULT 'direct',
				title TEXT DEFAULT '',
				last_message TEXT DEFAULT '',
				last_message_at INTEGER NOT NULL DEFAULT 0,
				unread_count INTEGER NOT NULL DEFAULT 0,
				is_pinned BOOLEAN NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				PRIMARY KEY (civilization_id, id)
			)
		`,
	},
	{
		name: "create channels table",
		sql: `
			CREATE TABLE IF NOT EXISTS channels (
				civilization_id TEXT NOT NULL,
				id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT DEFAULT '',
				type TEXT NOT NULL DEFAULT 'general',
				confidentiality TEXT NOT NULL DEFAULT 'public',
				department_id TEXT DEFAULT '',
				project_id TEXT DEFAULT '',
				members TEXT NOT NULL DEFAULT '[]',
				last_message TEXT DEFAULT '',
				last_message_at INTEGER NOT NULL DEFAULT 0,
				unread_count INTEGER NOT NULL DEFAULT 0,
				is_pinned BOOLEAN NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				PRIMARY KEY (civilization_id, id)
			)
		`,
	},
	{
		name: "create messages table",
		sql: `
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				parent_id TEXT NOT NULL,
				sender_id TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'text',
				sent_at INTEGER NOT NULL,
				is_read BOOLEAN NOT NULL DEFAULT 0,
				audio_ref TEXT DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id, sent_at);
		`,
	},
	{
		name: "create preferences table",
		sql: `
			CREATE TABLE IF NOT EXISTS preferences (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)
		`,
	},
}
