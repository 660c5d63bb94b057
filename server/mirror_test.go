package server

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testServer *httptest.Server

func init() {
	root, err := ioutil.TempDir("", "mirror")
	if err != nil {
		panic(err)
	}
	// 1001 and 1002 are versions of the same dataset, 1003 and 1004 stand alone
	layout := map[string]string{
		"1001/VERSION":      "1.0\n",
		"1001/CONCEPT":      "weather",
		"1001/data.tar.gz":  "hello",
		"1002/VERSION":      "2.0",
		"1002/CONCEPT":      "weather",
		"1002/data.tar.gz":  "hello again",
		"1003/notes.txt":    "",
		"1004/odd #1?%.txt": "odd",
	}
	for name, content := range layout {
		p := filepath.Join(root, name)
		os.MkdirAll(filepath.Dir(p), 0755)
		if err := ioutil.WriteFile(p, []byte(content), 0644); err != nil {
			panic(err)
		}
	}
	m := &Mirror{Root: root}
	testServer = httptest.NewServer(m.Handler())
}

func TestRoutes(t *testing.T) {
	var table = []struct {
		method string
		route  string
		status int
	}{
		{"GET", "/", 200},
		{"GET", "/api/records/1001", 200},
		{"GET", "/records/1001", 200},
		{"GET", "/api/records/9999", 404},
		{"GET", "/api/records/1001/versions", 200},
		{"GET", "/api/records/9999/versions", 404},
		{"GET", "/api/records/1001/files/data.tar.gz/content", 200},
		{"HEAD", "/api/records/1001/files/data.tar.gz/content", 200},
		{"GET", "/api/records/1001/files/VERSION/content", 404},
		{"GET", "/api/records/1001/files/missing/content", 404},
		{"GET", "/doi/10.5281/zenodo.1002", 200}, // after redirect
		{"GET", "/doi/10.5281/zenodo.9999", 404},
		{"POST", "/api/records/1001", 405},
	}
	for _, tab := range table {
		checkRoute(t, tab.method, tab.route, tab.status)
	}
}

type testRecord struct {
	ID       int64
	Metadata struct{ Version string }
	Files    []struct {
		Key      string
		Size     int64
		Checksum string
		Links    struct{ Self string }
	}
}

func TestRecord(t *testing.T) {
	var rec testRecord
	getJSON(t, "/api/records/1001", &rec)
	if rec.ID != 1001 {
		t.Errorf("Received id %d, expected 1001", rec.ID)
	}
	if rec.Metadata.Version != "1.0" {
		t.Errorf("Received version %q, expected 1.0", rec.Metadata.Version)
	}
	if len(rec.Files) != 1 {
		t.Fatalf("Received %d files, expected 1", len(rec.Files))
	}
	f := rec.Files[0]
	if f.Key != "data.tar.gz" || f.Size != 5 {
		t.Errorf("Received file %s size %d", f.Key, f.Size)
	}
	if f.Checksum != "md5:5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Received checksum %s", f.Checksum)
	}
	body := getbody(t, f.Links.Self)
	if body != "hello" {
		t.Errorf("Received content %q, expected %q", body, "hello")
	}

	// a record with an empty file and no version
	rec = testRecord{}
	getJSON(t, "/api/records/1003", &rec)
	if rec.Metadata.Version != "" || len(rec.Files) != 1 {
		t.Errorf("Received %+v", rec)
	}
	if rec.Files[0].Checksum != "md5:d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("Received checksum %s for empty file", rec.Files[0].Checksum)
	}
}

func TestVersions(t *testing.T) {
	var result struct {
		Hits struct {
			Total int
			Hits  []struct {
				ID       int64
				Metadata struct{ Version string }
			}
		}
	}
	getJSON(t, "/api/records/1002/versions?size=1000&allversions=true", &result)
	if result.Hits.Total != 2 || len(result.Hits.Hits) != 2 {
		t.Fatalf("Received %d versions, expected 2", len(result.Hits.Hits))
	}
	if result.Hits.Hits[0].ID != 1001 || result.Hits.Hits[0].Metadata.Version != "1.0" {
		t.Errorf("Received first hit %+v", result.Hits.Hits[0])
	}
	if result.Hits.Hits[1].ID != 1002 || result.Hits.Hits[1].Metadata.Version != "2.0" {
		t.Errorf("Received second hit %+v", result.Hits.Hits[1])
	}

	getJSON(t, "/api/records/1003/versions", &result)
	if len(result.Hits.Hits) != 1 || result.Hits.Hits[0].ID != 1003 {
		t.Errorf("Received %+v for a record without a concept", result.Hits)
	}
}

func TestDOIRedirect(t *testing.T) {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(testServer.URL + "/doi/10.5281/zenodo.1001")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 302 {
		t.Errorf("Received status %d, expected 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/records/1001" {
		t.Errorf("Received location %q", loc)
	}
}

func TestRecordLinksEscaped(t *testing.T) {
	var rec testRecord
	getJSON(t, "/api/records/1004", &rec)
	if len(rec.Files) != 1 {
		t.Fatalf("Received %d files, expected 1", len(rec.Files))
	}
	f := rec.Files[0]
	if f.Key != "odd #1?%.txt" {
		t.Errorf("Received key %q", f.Key)
	}
	if strings.ContainsAny(strings.TrimPrefix(f.Links.Self, testServer.URL), "#? %") {
		t.Errorf("Link %q is not escaped", f.Links.Self)
	}
	if got := getbody(t, f.Links.Self); got != "odd" {
		t.Errorf("Received %q through %s", got, f.Links.Self)
	}
}

func TestRunStop(t *testing.T) {
	root, err := ioutil.TempDir("", "mirror")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	// Stop before Run has started listening
	m := &Mirror{Root: root, PortNumber: "0"}
	errc := make(chan error, 1)
	go func() { errc <- m.Run() }()
	if err := m.Stop(); err != nil {
		t.Error(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	// Stop on a mirror which was never run
	if err := (&Mirror{Root: root}).Stop(); err != nil {
		t.Error(err)
	}

	m = &Mirror{Root: filepath.Join(root, "missing"), PortNumber: "0"}
	if err := m.Run(); err == nil {
		t.Error("Run succeeded with a missing root")
	}
}

func TestValidName(t *testing.T) {
	var table = []struct {
		name string
		ok   bool
	}{
		{"1001", true},
		{"data.tar.gz", true},
		{"", false},
		{".", false},
		{"..", false},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
	}
	for _, tab := range table {
		if got := validName(tab.name); got != tab.ok {
			t.Errorf("validName(%q) = %v, expected %v", tab.name, got, tab.ok)
		}
	}
}

func checkStatus(t *testing.T, verb, route string, expected int) *http.Response {
	req, err := http.NewRequest(verb, testServer.URL+route, nil)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Errorf("%s: %s", route, err)
		return resp
	}
	if resp.StatusCode != expected {
		t.Errorf("%s: Expected status %d and received %d",
			route,
			expected,
			resp.StatusCode)
	}
	return resp
}

func checkRoute(t *testing.T, verb, route string, expected int) {
	resp := checkStatus(t, verb, route, expected)
	if resp != nil {
		resp.Body.Close()
	}
}

func getbody(t *testing.T, url string) string {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("%s: received status %d", url, resp.StatusCode)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func getJSON(t *testing.T, route string, v interface{}) {
	resp := checkStatus(t, "GET", route, 200)
	if resp == nil {
		t.FailNow()
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}
