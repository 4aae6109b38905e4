package artifact

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigscan/bigscan/pkg/bigip"
	"github.com/bigscan/bigscan/pkg/console"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

type remoteFile struct {
	data  []byte
	mtime int
}

// fakeDevice emulates the task, transfer and shell endpoints of an
// appliance over an in-memory filesystem.
type fakeDevice struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string]*remoteFile
	tick     int
	tasks    map[string]string
	nextTask int
	calls    map[string]int
	commands []string

	// Behaviour knobs.
	payloadSize    int
	rejectNames    int
	states         []string
	statusFailures int
	validateStatus int
	rangeStatus    int
	rangeExtra     int
	blockMoves     bool
	stickyFiles    map[string]bool
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		t:           t,
		files:       map[string]*remoteFile{},
		tasks:       map[string]string{},
		calls:       map[string]int{},
		stickyFiles: map[string]bool{},
		states:      []string{"SUCCEEDED"},
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) env(clock Clock) Env {
	client := bigip.NewClient("bigip1", bigip.WithBaseURL(d.srv.URL))
	return Env{
		API:       client,
		Shell:     bigip.NewShell(client, 0),
		Clock:     clock,
		Console:   console.Discard(),
		OutputDir: d.t.TempDir(),
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func (d *fakeDevice) put(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick++
	d.files[p] = &remoteFile{data: data, mtime: d.tick}
}

func (d *fakeDevice) file(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[p]
	if !ok {
		return nil, false
	}
	return f.data, true
}

func (d *fakeDevice) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[key]
}

func (d *fakeDevice) commandsMatching(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDevice) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case p == "/mgmt/tm/util/bash":
		d.serveBash(w, r)
	case p == "/mgmt/tm/util/unix-mv":
		d.serveMove(w, r)
	case p == "/mgmt/cm/autodeploy/qkview" || p == "/mgmt/tm/task/sys/ucs":
		d.serveCreate(w, r)
	case strings.HasPrefix(p, "/mgmt/cm/autodeploy/qkview-download/"),
		strings.HasPrefix(p, "/mgmt/shared/file-transfer/ucs-downloads/"):
		d.serveRange(w, r, path.Base(p))
	case strings.HasPrefix(p, "/mgmt/shared/file-transfer/downloads/"):
		d.serveStaged(w, path.Base(p))
	case strings.HasPrefix(p, "/mgmt/cm/autodeploy/qkview/"), strings.HasPrefix(p, "/mgmt/tm/task/sys/ucs/"):
		d.serveTask(w, r, path.Base(p))
	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDevice) serveCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)

	d.mu.Lock()
	d.calls["create"]++
	if d.rejectNames > 0 {
		d.rejectNames--
		d.mu.Unlock()
		d.writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "message": "Invalid name " + body["name"]})
		return
	}
	d.nextTask++
	id := fmt.Sprintf("task-%d", d.nextTask)
	ucs := r.URL.Path == "/mgmt/tm/task/sys/ucs"
	name := body["name"]
	if ucs {
		name += ".ucs"
		d.tasks[id] = "/var/local/ucs/" + name
	} else {
		d.tasks[id] = "/var/tmp/" + name
	}
	d.mu.Unlock()

	if d.payloadSize > 0 {
		d.put(d.tasks[id], payload(d.payloadSize))
	}
	if ucs {
		d.writeJSON(w, http.StatusOK, map[string]any{"_taskId": id, "_taskState": "CREATED", "name": body["name"]})
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "IN_PROGRESS", "name": name})
}

func (d *fakeDevice) serveTask(w http.ResponseWriter, r *http.Request, id string) {
	d.mu.Lock()
	remote, known := d.tasks[id]
	switch r.Method {
	case http.MethodPut:
		d.calls["validate"]++
		status := d.validateStatus
		d.mu.Unlock()
		if status == 0 {
			status = http.StatusAccepted
		}
		d.writeJSON(w, status, map[string]any{"_taskId": id, "_taskState": "VALIDATING"})
		return
	case http.MethodDelete:
		d.calls["delete"]++
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	d.calls["status"]++
	if !known {
		d.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if d.statusFailures > 0 {
		d.statusFailures--
		d.mu.Unlock()
		http.Error(w, "restjavad unavailable", http.StatusInternalServerError)
		return
	}
	state := d.states[0]
	if len(d.states) > 1 {
		d.states = d.states[1:]
	}
	d.mu.Unlock()

	name := path.Base(remote)
	if strings.HasPrefix(r.URL.Path, "/mgmt/tm/task/sys/ucs/") {
		d.writeJSON(w, http.StatusOK, map[string]any{"_taskId": id, "_taskState": state})
		return
	}
	resp := map[string]any{"id": id, "status": state, "name": name, "generation": 3}
	if state == "SUCCEEDED" {
		resp["qkviewUri"] = "https://localhost/mgmt/cm/autodeploy/qkview-download/" + name
	}
	if state == "FAILED" {
		resp["errorMessage"] = "disk full"
	}
	d.writeJSON(w, http.StatusOK, resp)
}

func (d *fakeDevice) findByName(name string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, f := range d.files {
		if path.Base(p) == name {
			return f.data
		}
	}
	return nil
}

var rangeRe = regexp.MustCompile(`^(\d+)-(\d+)/(\d+)$`)

func (d *fakeDevice) serveRange(w http.ResponseWriter, r *http.Request, name string) {
	d.mu.Lock()
	d.calls["range"]++
	forced := d.rangeStatus
	d.mu.Unlock()

	if forced != 0 {
		w.WriteHeader(forced)
		return
	}
	data := d.findByName(name)
	if data == nil {
		http.NotFound(w, r)
		return
	}
	m := rangeRe.FindStringSubmatch(r.Header.Get("Content-Range"))
	if m == nil {
		http.Error(w, "missing range", http.StatusBadRequest)
		return
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if start >= len(data) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if end >= len(data) {
		end = len(data) - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("%d-%d/%d", start, end, len(data)+d.rangeExtra))
	w.WriteHeader(http.StatusOK)
	w.Write(data[start : end+1])
}

func (d *fakeDevice) serveStaged(w http.ResponseWriter, name string) {
	d.mu.Lock()
	d.calls["transfer"]++
	d.mu.Unlock()

	data, ok := d.file(path.Join(stagingDir, name))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type utilBody struct {
	Command     string `json:"command"`
	UtilCmdArgs string `json:"utilCmdArgs"`
}

func (d *fakeDevice) serveMove(w http.ResponseWriter, r *http.Request) {
	var body utilBody
	json.NewDecoder(r.Body).Decode(&body)
	parts := strings.Fields(body.UtilCmdArgs)

	d.mu.Lock()
	d.calls["unix-mv"]++
	d.mu.Unlock()

	out := ""
	if len(parts) != 2 || !d.move(parts[0], parts[1]) {
		out = "mv: cannot stat"
	}
	d.writeJSON(w, http.StatusOK, map[string]string{"commandResult": out})
}

func (d *fakeDevice) move(src, dst string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockMoves {
		return false
	}
	f, ok := d.files[src]
	if !ok {
		return false
	}
	delete(d.files, src)
	d.files[dst] = f
	return true
}

// unquote reverses POSIX single quoting.
func unquote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				b.WriteString(s[i+1:])
				return b.String()
			}
			b.WriteString(s[i+1 : i+1+j])
			i += j + 1
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var (
	lsProbeRe = regexp.MustCompile(`^ls -la "([^"]+)" 2>/dev/null \|\| echo NOT_FOUND$`)
	lsGlobRe  = regexp.MustCompile(`^ls -lat ((?:"[^"]+"/\*\.\w+ )+)2>/dev/null \| head -(\d+)$`)
	globRe    = regexp.MustCompile(`"([^"]+)"/\*(\.\w+)`)
	cpRe      = regexp.MustCompile(`^cp "([^"]+)" "([^"]+)" 2>&1 && echo COPIED$`)
	mvRe      = regexp.MustCompile(`^mv "([^"]+)" "([^"]+)" 2>&1 && echo MOVED$`)
	rmRe      = regexp.MustCompile(`^rm -f "([^"]+)"`)
	rmForceRe = regexp.MustCompile(`^rm -rf "([^"]+)" 2>&1; sync$`)
	existsRe  = regexp.MustCompile(`^if \[ -f "([^"]+)" \]; then echo STILL_EXISTS; else echo DELETED; fi$`)
	statRe    = regexp.MustCompile(`^stat -c %s "([^"]+)" 2>/dev/null$`)
	ddRe      = regexp.MustCompile(`^dd if="([^"]+)" bs=(\d+) skip=(\d+) count=(\d+) 2>/dev/null (?:\| head -c (\d+) )?\| base64 -w 0$`)
)

func listingLine(p string, size int) string {
	return fmt.Sprintf("-rw-r--r-- 1 root root %d Jan  1 12:00 %s", size, p)
}

func (d *fakeDevice) serveBash(w http.ResponseWriter, r *http.Request) {
	var body utilBody
	json.NewDecoder(r.Body).Decode(&body)
	cmd := unquote(strings.TrimPrefix(body.UtilCmdArgs, "-c "))

	d.mu.Lock()
	d.calls["bash"]++
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()

	d.writeJSON(w, http.StatusOK, map[string]string{"commandResult": d.exec(cmd)})
}

func (d *fakeDevice) exec(cmd string) string {
	if m := lsProbeRe.FindStringSubmatch(cmd); m != nil {
		data, ok := d.file(m[1])
		if !ok {
			return "NOT_FOUND\n"
		}
		return listingLine(m[1], len(data)) + "\n"
	}
	if m := lsGlobRe.FindStringSubmatch(cmd); m != nil {
		limit, _ := strconv.Atoi(m[2])
		var dirs []string
		ext := ""
		for _, g := range globRe.FindAllStringSubmatch(m[1], -1) {
			dirs = append(dirs, g[1])
			ext = g[2]
		}
		return d.list(dirs, ext, limit)
	}
	if m := cpRe.FindStringSubmatch(cmd); m != nil {
		data, ok := d.file(m[1])
		if !ok {
			return "cp: cannot stat\n"
		}
		d.put(m[2], append([]byte(nil), data...))
		return "COPIED\n"
	}
	if m := mvRe.FindStringSubmatch(cmd); m != nil {
		if !d.move(m[1], m[2]) {
			return "mv: cannot stat\n"
		}
		return "MOVED\n"
	}
	if m := rmForceRe.FindStringSubmatch(cmd); m != nil {
		d.remove(m[1], true)
		return ""
	}
	if m := rmRe.FindStringSubmatch(cmd); m != nil {
		d.remove(m[1], false)
		return ""
	}
	if m := existsRe.FindStringSubmatch(cmd); m != nil {
		if _, ok := d.file(m[1]); ok {
			return "STILL_EXISTS\n"
		}
		return "DELETED\n"
	}
	if m := statRe.FindStringSubmatch(cmd); m != nil {
		data, ok := d.file(m[1])
		if !ok {
			return ""
		}
		return strconv.Itoa(len(data)) + "\n"
	}
	if m := ddRe.FindStringSubmatch(cmd); m != nil {
		data, _ := d.file(m[1])
		bs, _ := strconv.Atoi(m[2])
		skip, _ := strconv.Atoi(m[3])
		count, _ := strconv.Atoi(m[4])
		from, to := skip*bs, (skip+count)*bs
		if from > len(data) {
			from = len(data)
		}
		if to > len(data) {
			to = len(data)
		}
		out := data[from:to]
		if m[5] != "" {
			limit, _ := strconv.Atoi(m[5])
			if limit < len(out) {
				out = out[:limit]
			}
		}
		return base64.StdEncoding.EncodeToString(out)
	}
	d.t.Errorf("unexpected shell command: %q", cmd)
	return ""
}

// list emulates ls -lat over several globs: one listing sorted by mtime.
func (d *fakeDevice) list(dirs []string, ext string, limit int) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	type entry struct {
		path string
		f    *remoteFile
	}
	var entries []entry
	for p, f := range d.files {
		if contains(dirs, path.Dir(p)) && strings.HasSuffix(p, ext) {
			entries = append(entries, entry{p, f})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].f.mtime > entries[j].f.mtime })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	var lines []string
	for _, e := range entries {
		lines = append(lines, listingLine(e.path, len(e.f.data)))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (d *fakeDevice) remove(p string, force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stickyFiles[p] && !force {
		return
	}
	delete(d.files, p)
}
