// Package helpers provides stores and listeners for the replicator integration tests.
package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/onsi/gomega"

	"github.com/stacklok/toolhive-replicator/internal/store/sqlite"
)

// OpenStore opens (creating if needed) a sqlite store named name in dir
func OpenStore(ctx context.Context, dir, name string) *sqlite.Store {
	st, err := sqlite.Open(ctx, filepath.Join(dir, name+".db"))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return st
}

// PutDocs writes n documents named prefix-0 .. prefix-(n-1)
func PutDocs(ctx context.Context, st *sqlite.Store, prefix string, n int) {
	for i := range n {
		body := json.RawMessage(fmt.Sprintf(`{"source":%q,"n":%d}`, prefix, i))
		_, err := st.Put(ctx, fmt.Sprintf("%s-%d", prefix, i), body)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
	}
}

// CountDocs returns the number of live documents in st
func CountDocs(ctx context.Context, st *sqlite.Store) int {
	count, err := st.Count(ctx)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return count
}

// DocBody returns the body of a document, failing when it is missing
func DocBody(ctx context.Context, st *sqlite.Store, docID string) string {
	doc, err := st.Get(ctx, docID)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return string(doc.Body)
}
