package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

const (
	pointerFile      = "latest_version.txt"
	versionNoteFile  = "version.txt"
	claimFile        = "claim.json"
	stateArchiveFile = "state.tar.zst"
	publicDir        = "public"
	publicURLPrefix  = "https://storage.googleapis.com/"

	cacheControlPublic  = "public"
	cacheControlNoStore = "no-store"
)

// Layout names every object of a repository. Base versions are always
// read from the production bucket. In testing mode the new version is
// written to a per-run namespace in the CI artifacts bucket so that
// production is never touched.
type Layout struct {
	Bucket            string
	LockName          string
	RepoKind          string
	Testing           bool
	CIArtifactsBucket string
	CIRunNumber       string
	// StateURLOverride replaces the snapshot archive read for the base
	// version.
	StateURLOverride string
	// TreeURLOverride replaces the published tree read for the base
	// version.
	TreeURLOverride string
}

func (l Layout) Validate() error {
	if strings.TrimSpace(l.Bucket) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("production bucket name is required")
	}
	if strings.Contains(l.Bucket, "/") {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("bucket name %q must not contain a path", l.Bucket))
	}
	if strings.TrimSpace(l.LockName) == "" || strings.TrimSpace(l.RepoKind) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("lock name and repository kind are required")
	}
	if l.Testing && (strings.TrimSpace(l.CIArtifactsBucket) == "" || strings.TrimSpace(l.CIRunNumber) == "") {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("testing mode requires the CI artifacts bucket and run number")
	}
	return nil
}

func (l Layout) LockURL() string {
	return fmt.Sprintf("gs://%s/locks/%s", l.Bucket, l.LockName)
}

// VersionsPrefix is the listing prefix of every production version.
func (l Layout) VersionsPrefix() string {
	return fmt.Sprintf("gs://%s/versions/", l.Bucket)
}

func (l Layout) ProductionPointerURL() string {
	return l.VersionsPrefix() + pointerFile
}

// PointerURL is the pointer flipped by a commit.
func (l Layout) PointerURL() string {
	if l.Testing {
		return l.testingRoot() + "/" + pointerFile
	}
	return l.ProductionPointerURL()
}

func (l Layout) productionRoot(version int) string {
	return l.VersionsPrefix() + strconv.Itoa(version)
}

func (l Layout) testingRoot() string {
	return fmt.Sprintf("gs://%s/%s/%s-repo/versions", l.CIArtifactsBucket, l.CIRunNumber, l.RepoKind)
}

func (l Layout) writeRoot(version int) string {
	if l.Testing {
		return l.testingRoot() + "/singleton"
	}
	return l.productionRoot(version)
}

// VersionPrefix lists every object of a production version.
func (l Layout) VersionPrefix(version int) string {
	return l.productionRoot(version) + "/"
}

func (l Layout) ReadStateURL(version int) string {
	if l.StateURLOverride != "" {
		return l.StateURLOverride
	}
	return l.productionRoot(version) + "/" + stateArchiveFile
}

func (l Layout) ReadTreeURL(version int) string {
	if l.TreeURLOverride != "" {
		return l.TreeURLOverride
	}
	return l.ProductionTreeURL(version)
}

func (l Layout) ProductionTreeURL(version int) string {
	return l.productionRoot(version) + "/" + publicDir
}

func (l Layout) WriteStateURL(version int) string {
	return l.writeRoot(version) + "/" + stateArchiveFile
}

func (l Layout) WriteTreeURL(version int) string {
	return l.writeRoot(version) + "/" + publicDir
}

func (l Layout) WriteNoteURL(version int) string {
	return l.writeRoot(version) + "/" + versionNoteFile
}

// ClaimURL reserves a production version number for one commit.
func (l Layout) ClaimURL(version int) string {
	return l.productionRoot(version) + "/" + claimFile
}

// PublicURL is where clients reach the published tree of version.
func (l Layout) PublicURL(version int) string {
	return HTTPURL(l.WriteTreeURL(version))
}

// CacheControl is the policy for versioned artifacts. The pointer is
// always written with no-store.
func (l Layout) CacheControl() string {
	if l.Testing {
		return cacheControlNoStore
	}
	return cacheControlPublic
}

// ParseVersionNoteURL extracts N from a production .../versions/N/version.txt url.
func (l Layout) ParseVersionNoteURL(url string) (int, bool) {
	rest, ok := strings.CutPrefix(url, l.VersionsPrefix())
	if !ok {
		return 0, false
	}
	number, file, ok := strings.Cut(rest, "/")
	if !ok || file != versionNoteFile {
		return 0, false
	}
	version, err := strconv.Atoi(number)
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}

func HTTPURL(url string) string {
	if rest, ok := strings.CutPrefix(url, "gs://"); ok {
		return publicURLPrefix + rest
	}
	return url
}
