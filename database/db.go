package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/giftfleet/giftfleet/cache"

	"github.com/giftfleet/giftfleet/config"

	_ "github.com/lib/pq"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createRelationshipTable(db)
	if err != nil {
		return nil, err
	}
	err = createOrderTables(db)
	if err != nil {
		return nil, err
	}
	err = createGiftJobTable(db)
	if err != nil {
		return nil, err
	}
	err = createCatalogTables(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createAccountTable creates a PostgreSQL table for the bot Account struct.
// There is deliberately no quota-used column: quota consumed is always a
// count over gift_jobs in the trailing 24h window.
func createAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id SERIAL PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			credentials TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OFFLINE',
			last_heartbeat TIMESTAMP,
			error_count INT NOT NULL DEFAULT 0,
			daily_quota INT NOT NULL DEFAULT 5,
			priority INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	log.Println(err)
	return err
}

// createRelationshipTable creates a PostgreSQL table for the Relationship struct
func createRelationshipTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relationships (
			id SERIAL PRIMARY KEY,
			relationship_id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL REFERENCES accounts(account_id),
			recipient_id TEXT NOT NULL,
			recipient_name TEXT,
			state TEXT NOT NULL DEFAULT 'PENDING',
			established_at TIMESTAMP,
			eligible_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, recipient_id)
		)
	`)
	log.Println(err)
	return err
}

// createOrderTables creates PostgreSQL tables for the Order struct and its
// append-only progress trail
func createOrderTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			reference TEXT NOT NULL UNIQUE,
			recipient_id TEXT NOT NULL,
			recipient_name TEXT,
			item_query TEXT NOT NULL,
			offer_id TEXT,
			amount NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING_PAYMENT',
			friendship_done BOOLEAN NOT NULL DEFAULT FALSE,
			gift_sent BOOLEAN NOT NULL DEFAULT FALSE,
			review_required BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			reassignments INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating orders table: %v", err)
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS order_progress (
			id SERIAL PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(order_id),
			stage TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createGiftJobTable creates a PostgreSQL table for the GiftJob struct.
// The partial unique index enforces at most one non-terminal job per order.
func createGiftJobTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS gift_jobs (
			id SERIAL PRIMARY KEY,
			gift_job_id TEXT NOT NULL UNIQUE,
			order_id TEXT NOT NULL REFERENCES orders(order_id),
			account_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			offer_id TEXT NOT NULL,
			price BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'QUEUED',
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			attempted_accounts JSONB,
			balance_before BIGINT NOT NULL DEFAULT 0,
			sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating gift_jobs table: %v", err)
		return err
	}

	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS one_open_gift_job_per_order
		ON gift_jobs (order_id)
		WHERE status NOT IN ('DELIVERED', 'FAILED')
	`)
	log.Println(err)
	return err
}

// createCatalogTables creates PostgreSQL tables for catalog offers and syncs
func createCatalogTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_offers (
			id SERIAL PRIMARY KEY,
			offer_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			giftable BOOLEAN NOT NULL DEFAULT FALSE,
			price BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			sync_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (offer_id, sync_id)
		)
	`)
	if err != nil {
		log.Printf("Error creating catalog_offers table: %v", err)
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_syncs (
			id SERIAL PRIMARY KEY,
			sync_id TEXT NOT NULL UNIQUE,
			offer_count INT NOT NULL DEFAULT 0,
			synced_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}
