// Package similarity holds the scoring shared by the memory and knowledge
// stores: cosine similarity over embeddings, threshold/top-k ranking with
// optional collapsing of duplicate content, and normalized edit distance for
// the text-assisted embedding cache.
//
// Cosine is the only vector metric. A candidate is kept when its similarity
// to the query is at least the threshold, which is the same as its cosine
// distance (1 - similarity) being at most 1 - threshold.
package similarity
