// Package store is documented in store.go.
//
// Each backend lives in its own subpackage so importing one driver never
// pulls in the others:
//
//	store/memory    in-process, zero dependencies
//	store/redis     go-redis, CAS via an atomic Lua script
//	store/postgres  pgx/v5, CAS via versioned UPDATE
//	store/sqlite    modernc.org/sqlite through database/sql
package store
