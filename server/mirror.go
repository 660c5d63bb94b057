// Package server runs a read-only mirror of backpack archives which speaks
// enough of the Zenodo records API for a backpack Downloader to use it. This
// allows backpacks to be distributed from a local network or an air-gapped
// site without changing the client.
//
// The mirror root holds one directory per record. Every regular file in a
// record directory is a file of the record, except for two optional control
// files: VERSION holds the data version of the record, and CONCEPT holds a
// name shared by all the records which are versions of the same dataset.
//
//	root/
//	    1001/
//	        VERSION
//	        CONCEPT
//	        mydata.tar.gz
//	    1002/
//	        ...
package server

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
)

// Version is reported on the welcome page.
const Version = "1.0.0"

// Control files inside a record directory.
const (
	VersionFile = "VERSION"
	ConceptFile = "CONCEPT"
)

// Mirror holds the configuration for a mirror server.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type Mirror struct {
	// Root is the directory holding one subdirectory per record.
	Root string

	// PortNumber to listen on. defaults to 14001
	PortNumber string

	m         sync.Mutex
	server    httpdown.Server           // used to close our listening socket, protected by m
	stopped   bool                      // Stop was called, protected by m
	checksums map[string]cachedChecksum // path -> checksum, protected by m
}

// cachedChecksum remembers the checksum of a file until it changes.
type cachedChecksum struct {
	size     int64
	modtime  time.Time
	checksum string
}

// Run starts the server and blocks listening for and handling http
// requests.
func (s *Mirror) Run() error {
	log.Println("==========")
	log.Printf("Starting backpack mirror version %s", Version)
	log.Printf("Root = %s", s.Root)

	if fi, err := os.Stat(s.Root); err != nil || !fi.IsDir() {
		return fmt.Errorf("mirror root %s is not a directory", s.Root)
	}
	if s.PortNumber == "" {
		s.PortNumber = "14001"
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
	}
	srv, err := h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	s.m.Lock()
	s.server = srv
	stopped := s.stopped
	s.m.Unlock()
	if stopped {
		// Stop was called while we were starting up
		srv.Stop()
	}
	return srv.Wait()
}

// Stop closes the listening socket and returns once all the in-flight
// requests have finished. It may be called from another goroutine at any
// time, even before Run has started listening. A stopped mirror does not
// keep serving.
func (s *Mirror) Stop() error {
	s.m.Lock()
	s.stopped = true
	srv := s.server
	s.m.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

// Handler returns the routes of the mirror. It is exposed so the mirror can
// be mounted in another server or in a test.
func (s *Mirror) Handler() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/api/records/:id", s.RecordHandler},
		{"GET", "/api/records/:id/versions", s.VersionsHandler},
		{"GET", "/api/records/:id/files/:name/content", s.FileHandler},
		{"HEAD", "/api/records/:id/files/:name/content", s.FileHandler},

		// landing page, which is where a DOI redirects to
		{"GET", "/records/:id", s.RecordHandler},
		{"GET", "/doi/*doi", s.DOIHandler},

		{"GET", "/", s.WelcomeHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
