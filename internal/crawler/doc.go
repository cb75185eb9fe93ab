// Package crawler holds the shared vocabulary of the ingestion pipeline: crawl
// tasks, fetched documents, candidates, verdicts, checkpoint records and the
// small capability interfaces the stages depend on.
package crawler
