// Package storage is the local circle database.
//
// It keeps four tables in <data_dir>/circles.db: circles, circle
// memberships, contacts and per-circle UI state. Nothing in it is ever
// published. MLS group state lives in a separate file owned by package
// mdk.
//
// The store holds a single connection behind one mutex, and every
// operation keeps the lock from parameter binding to the last scanned
// row.
//
//	st, err := storage.Open(ctx, dataDir, nil)
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//	circles, err := st.ListVisibleCircles(ctx)
//
// Deleting a circle removes its UI state, then its membership, then the
// circle row, inside one transaction.
package storage
