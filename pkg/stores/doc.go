// Package stores persists the build journal: every lifecycle event of the
// development cycle, stored in SQLite with WAL mode and embedded migrations.
//
//	journal, err := stores.Open(ctx, ".stanza/journal.db", logger)
//	if err != nil {
//		return err
//	}
//	defer journal.Close()
//	tel.Events.Subscribe(journal.Subscriber(), nil)
//
//	entries, err := journal.List(ctx, stores.Filter{Bundle: "client", Limit: 20})
package stores
