// Package archive is the content-addressed store for uploaded files and
// verification reports. Identical content deduplicates to one FileID;
// identical report identities deduplicate to one ReportID. Reports are
// accessed through scoped borrows that pin both the archive and the report.
package archive

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
)

// FileUnavailable is returned by FilePath for IDs the archive has never seen.
const FileUnavailable = "FILE_UNAVAILABLE"

// archivedNamePattern matches file names the archive owns on disk. The
// startup purge removes only these, leaving foreign files alone.
const archivedNamePattern = "tmp_*"

// Archive stores file blobs on disk and reports in memory, both addressed by
// digest.
type Archive struct {
	mu sync.Mutex

	reportDir string
	fileDir   string

	files   map[FileID]struct{}
	reports map[ReportID]*Report
}

// New creates the archive directories if missing and purges archived entries
// left over from a previous process. The fingerprint index lives only in
// memory, so an on-disk orphan could never be referenced again.
func New(reportDir, fileDir string) (*Archive, error) {
	a := &Archive{
		reportDir: reportDir,
		fileDir:   fileDir,
		files:     make(map[FileID]struct{}),
		reports:   make(map[ReportID]*Report),
	}

	for _, dir := range []string{reportDir, fileDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.IO("archive.new", err)
		}
		if err := purgeDir(dir, archivedNamePattern); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("report_dir", reportDir).Str("file_dir", fileDir).Msg("Archive initialised")
	return a, nil
}

func purgeDir(dir, pattern string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.IO("archive.purge", err)
	}
	for _, entry := range entries {
		if !wildcard.Match(pattern, entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return errors.IO("archive.purge", err)
		}
	}
	return nil
}

// InsertFile stores content under its digest. Returns the existing ID and
// isNew=false when the same bytes were uploaded before.
func (a *Archive) InsertFile(content []byte) (isNew bool, id FileID, err error) {
	id = fingerprint.Sum(content)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.files[id]; ok {
		return false, id, nil
	}

	path := filepath.Join(a.fileDir, archivedFileName(id))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, id, errors.IO("archive.insert_file", err)
	}
	a.files[id] = struct{}{}
	log.Debug().Stringer("file_id", id).Int("bytes", len(content)).Msg("File archived")
	return true, id, nil
}

// HasFile reports whether the archive holds a blob with this ID.
func (a *Archive) HasFile(id FileID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[id]
	return ok
}

// FilePath returns the on-disk location of an archived blob, or the
// FileUnavailable sentinel when the ID is unknown.
func (a *Archive) FilePath(id FileID) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.files[id]; !ok {
		return FileUnavailable
	}
	return filepath.Join(a.fileDir, archivedFileName(id))
}

// InsertReport builds a report for the given identity and stores it, unless
// a report with the same fingerprint already exists. outputArity controls
// how many fresh output names the new report receives.
func (a *Archive) InsertReport(tool *toolkit.Tool, params []string, inputs []FileID, plan, address string, outputArity int) (isNew bool, id ReportID) {
	r := newReport(tool, params, inputs, plan, address, outputArity)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reports[r.ID]; ok {
		return false, r.ID
	}
	a.reports[r.ID] = r
	log.Debug().Stringer("report_id", r.ID).Str("tool", tool.Name()).Str("plan", plan).Msg("Report archived")
	return true, r.ID
}

// HasReport reports whether a report with this fingerprint exists.
func (a *Archive) HasReport(id ReportID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reports[id]
	return ok
}

// BorrowedReport is a scoped handle over one report. It holds both the
// archive lock and the report lock until Release, so the report can neither
// move nor change under the holder. Keep borrows short and always Release in
// the same function; any Archive call made while a borrow is live deadlocks.
type BorrowedReport struct {
	report   *Report
	archive  *Archive
	released bool
}

// BorrowReport locks the archive and the identified report and returns the
// handle. The second return is false when no such report exists.
func (a *Archive) BorrowReport(id ReportID) (*BorrowedReport, bool) {
	a.mu.Lock()
	r, ok := a.reports[id]
	if !ok {
		a.mu.Unlock()
		return nil, false
	}
	r.mu.Lock()
	return &BorrowedReport{report: r, archive: a}, true
}

// Report exposes the pinned report. Valid only until Release.
func (b *BorrowedReport) Report() *Report {
	return b.report
}

// Release unlocks the report and the archive. Safe to call more than once
// from the borrowing goroutine.
func (b *BorrowedReport) Release() {
	if b.released {
		return
	}
	b.released = true
	b.report.mu.Unlock()
	b.archive.mu.Unlock()
}

func archivedFileName(id FileID) string {
	return "tmp_" + id.String()
}
