package migrations

import (
	"github.com/jmoiron/sqlx"
)

func init() {
	m.addMigration(&migration{
		version: "20250301100000",
		up:      mig_20250301100000_users_up,
		down:    mig_20250301100000_users_down,
	})
}

func mig_20250301100000_users_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
        CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            name VARCHAR(255) NOT NULL,
            email VARCHAR(255) NOT NULL UNIQUE,
            role VARCHAR(50) NOT NULL CHECK (role IN ('admin', 'member')),
            created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
        );
    `)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
    `)
	if err != nil {
		return err
	}

	// Seed with default admin
	_, err = tx.Exec(`
        INSERT INTO users (name, email, role)
        VALUES ($1, $2, $3)
        ON CONFLICT (email) DO NOTHING;
    `, "Admin", "admin@admin.com", "admin")

	return err
}

func mig_20250301100000_users_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS users;`)
	return err
}
