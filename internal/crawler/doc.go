// Package crawler contains the breadth-first crawl orchestrator together with the
// session/page data model and the interfaces of the collaborators it drives
// (renderer, optimizer, session store, page store).
package crawler
