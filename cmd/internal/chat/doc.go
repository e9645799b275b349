// Package chat implements two-party conversations: persistence contracts and
// backends for conversations and messages, the participant directory, the
// attachment policy, and the Service that enforces participant rules.
//
// Backends:
//   - MemoryStore: process-local, used for dev and tests.
//   - PostgresStore: pgx pool, partial unique index on the active pair.
//   - MongoStore: document collections, unique sparse index on the active pair.
package chat
