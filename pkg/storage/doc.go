// Package storage provides repository implementations for the spool.
//
// This package includes:
//   - GormRepository: envelope and content tables behind GORM (SQLite, PostgreSQL)
//   - MemoryRepository: an in-process repository for tests and embedding
//   - FileRepository: one envelope file and one content file per mail on an afero filesystem
//   - GormMailbox: local mailbox storage used by the LocalDelivery mailet
//   - Connection pool helpers for GORM databases
//
// The Repository interface is defined in pkg/core and must be implemented
// by any custom storage backend.
package storage
