package server

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/backpack/util"
)

// the JSON shapes follow the parts of the Zenodo records API a client reads.
type recordJSON struct {
	ID       interface{}  `json:"id"`
	Metadata metadataJSON `json:"metadata"`
	Files    []fileJSON   `json:"files"`
	Links    linksJSON    `json:"links"`
}

type metadataJSON struct {
	Version string `json:"version,omitempty"`
	Concept string `json:"concept,omitempty"`
}

type fileJSON struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum"`
	Links    linksJSON `json:"links"`
}

type linksJSON struct {
	Self string `json:"self"`
}

type versionsJSON struct {
	Hits struct {
		Total int          `json:"total"`
		Hits  []recordJSON `json:"hits"`
	} `json:"hits"`
}

// RecordHandler handles requests to GET /api/records/:id and the landing
// page GET /records/:id.
func (s *Mirror) RecordHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	rec, err := s.record(baseURL(r), id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, rec)
}

// VersionsHandler handles requests to GET /api/records/:id/versions. It
// returns every record sharing the concept of the given record. A record
// without a concept has only itself as a version.
func (s *Mirror) VersionsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	concept, err := s.readControl(id, ConceptFile)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	ids := []string{id}
	if concept != "" {
		ids, err = s.conceptMembers(concept)
		if err != nil {
			s.writeError(w, id, err)
			return
		}
	}
	var result versionsJSON
	result.Hits.Hits = []recordJSON{}
	for _, member := range ids {
		rec, err := s.record(baseURL(r), member)
		if err != nil {
			s.writeError(w, member, err)
			return
		}
		result.Hits.Hits = append(result.Hits.Hits, *rec)
	}
	result.Hits.Total = len(result.Hits.Hits)
	writeJSON(w, result)
}

// FileHandler handles requests to GET and HEAD
// /api/records/:id/files/:name/content.
func (s *Mirror) FileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	name := ps.ByName("name")
	if !validName(id) || !validName(name) || isControl(name) {
		w.WriteHeader(404)
		fmt.Fprintln(w, "file not found")
		return
	}
	fname := filepath.Join(s.Root, id, name)
	f, err := os.Open(fname)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		w.WriteHeader(404)
		fmt.Fprintln(w, "file not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// DOIHandler handles GET /doi/*doi by redirecting to the landing page of
// the record. The record id is the last element of the DOI, so
// "10.5281/zenodo.1001" and "10.5281/1001" both go to /records/1001.
func (s *Mirror) DOIHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	doi := strings.Trim(ps.ByName("doi"), "/")
	id := path.Base(doi)
	if i := strings.LastIndex(id, "."); i >= 0 {
		id = id[i+1:]
	}
	if !validName(id) {
		w.WriteHeader(404)
		fmt.Fprintln(w, "DOI not found")
		return
	}
	if _, err := os.Stat(filepath.Join(s.Root, id)); err != nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "DOI not found")
		return
	}
	http.Redirect(w, r, "/records/"+id, http.StatusFound)
}

// WelcomeHandler handles requests to GET /.
func (s *Mirror) WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Backpack mirror version %s\n", Version)
}

// record builds the JSON listing of the record with the given id.
func (s *Mirror) record(base, id string) (*recordJSON, error) {
	if !validName(id) {
		return nil, os.ErrNotExist
	}
	dir := filepath.Join(s.Root, id)
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	result := &recordJSON{
		ID:    recordID(id),
		Files: []fileJSON{},
		Links: linksJSON{Self: base + "/api/records/" + url.PathEscape(id)},
	}
	result.Metadata.Version, err = s.readControl(id, VersionFile)
	if err != nil {
		return nil, err
	}
	result.Metadata.Concept, err = s.readControl(id, ConceptFile)
	if err != nil {
		return nil, err
	}
	for _, fi := range infos {
		if !fi.Mode().IsRegular() || isControl(fi.Name()) {
			continue
		}
		sum, err := s.checksum(filepath.Join(dir, fi.Name()), fi)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, fileJSON{
			Key:      fi.Name(),
			Size:     fi.Size(),
			Checksum: "md5:" + sum,
			Links: linksJSON{
				Self: base + "/api/records/" + url.PathEscape(id) + "/files/" + url.PathEscape(fi.Name()) + "/content",
			},
		})
	}
	return result, nil
}

// conceptMembers returns the ids of all records with the given concept,
// sorted.
func (s *Mirror) conceptMembers(concept string) ([]string, error) {
	infos, err := ioutil.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, fi := range infos {
		if !fi.IsDir() || !validName(fi.Name()) {
			continue
		}
		c, err := s.readControl(fi.Name(), ConceptFile)
		if err != nil {
			return nil, err
		}
		if c == concept {
			result = append(result, fi.Name())
		}
	}
	sort.Strings(result)
	return result, nil
}

// readControl returns the trimmed content of a control file in a record
// directory, or "" if the record does not have one.
func (s *Mirror) readControl(id, name string) (string, error) {
	if !validName(id) {
		return "", os.ErrNotExist
	}
	if _, err := os.Stat(filepath.Join(s.Root, id)); err != nil {
		return "", err
	}
	buf, err := ioutil.ReadFile(filepath.Join(s.Root, id, name))
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// checksum returns the hex MD5 of the file at p. Results are cached until
// the size or modification time of the file changes.
func (s *Mirror) checksum(p string, fi os.FileInfo) (string, error) {
	s.m.Lock()
	c, ok := s.checksums[p]
	s.m.Unlock()
	if ok && c.size == fi.Size() && c.modtime.Equal(fi.ModTime()) {
		return c.checksum, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hw, err := util.NewHashWriterPlain(util.DefaultAlgorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hw, f); err != nil {
		return "", err
	}
	sum := hw.Sum(util.DefaultAlgorithm)

	s.m.Lock()
	if s.checksums == nil {
		s.checksums = make(map[string]cachedChecksum)
	}
	s.checksums[p] = cachedChecksum{
		size:     fi.Size(),
		modtime:  fi.ModTime(),
		checksum: sum,
	}
	s.m.Unlock()
	return sum, nil
}

func (s *Mirror) writeError(w http.ResponseWriter, id string, err error) {
	if os.IsNotExist(err) {
		w.WriteHeader(404)
		fmt.Fprintln(w, "record not found")
		return
	}
	log.Printf("record %s: %s", id, err)
	raven.CaptureError(err, map[string]string{"Record": id})
	w.WriteHeader(500)
	fmt.Fprintln(w, err)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// baseURL is the scheme and host the request was made to, so links work
// from wherever the mirror is reached.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// recordID reports numeric ids as numbers, as Zenodo does.
func recordID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func isControl(name string) bool {
	return name == VersionFile || name == ConceptFile
}

// validName rejects anything that could leave the mirror root.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}
