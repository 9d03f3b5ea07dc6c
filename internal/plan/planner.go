// Package plan turns a discovery result and configuration into the ordered,
// deduplicated list of mirror tasks for one synchronization run.
package plan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/po4yka/gitout/internal/forge"
	"github.com/po4yka/gitout/internal/gitrun"
	"github.com/po4yka/gitout/internal/logging"
)

// Category records why a repository is mirrored.
type Category string

const (
	CategoryOwned    Category = "owned"
	CategoryStarred  Category = "starred"
	CategoryWatching Category = "watching"
	CategoryGist     Category = "gist"
	CategoryExtra    Category = "extra"
	CategoryGit      Category = "git"
)

// RepoRef identifies one mirror target. Name is the stable identity used for
// deduplication and ignore matching: owner/name for repositories, the gist id
// for gists, the configured local name for freeform git URLs.
type RepoRef struct {
	Name     string
	URL      string
	Category Category
	Reasons  []Category
}

// Task pairs a RepoRef with its resolved destination and operation mode.
type Task struct {
	Ref           RepoRef
	Destination   string // absolute path beneath the destination root
	Mode          gitrun.Mode
	Authenticated bool // forge tasks share the run's credential file
}

// Inputs collects everything the planner needs.
type Inputs struct {
	Discovery *forge.Discovery // nil when no forge section is configured

	Extras          []string // owner/name, mirrored regardless of affiliation
	CloneStarred    bool
	CloneWatched    bool
	CloneGists      bool
	Ignore          []string
	GitRepos        map[string]string // local name -> URL
	DestinationRoot string
}

// forgeID is the directory namespace for forge-discovered mirrors.
const forgeID = "github"

// Plan merges discovery, extras and freeform URLs into tasks. Freeform tasks
// come first ordered by local name, then forge tasks in case-insensitive
// alphabetical order of identity. An ignore entry matching nothing logs a
// warning; it is not an error.
func Plan(ctx context.Context, inputs Inputs) ([]Task, error) {
	refs := map[string]*RepoRef{}
	addReason := func(name string, category Category) {
		if ref, ok := refs[name]; ok {
			for _, r := range ref.Reasons {
				if r == category {
					return
				}
			}
			ref.Reasons = append(ref.Reasons, category)
			return
		}
		refs[name] = &RepoRef{Name: name, Category: category, Reasons: []Category{category}}
	}

	if d := inputs.Discovery; d != nil {
		for _, name := range d.Owned.Slice() {
			addReason(name, CategoryOwned)
		}
		if inputs.CloneStarred {
			for _, name := range d.Starred.Slice() {
				addReason(name, CategoryStarred)
			}
		}
		if inputs.CloneWatched {
			for _, name := range d.Watching.Slice() {
				addReason(name, CategoryWatching)
			}
		}
		if inputs.CloneGists {
			for _, id := range d.Gists.Slice() {
				addReason(id, CategoryGist)
			}
		}
	}
	for _, name := range inputs.Extras {
		addReason(name, CategoryExtra)
	}
	for name, url := range inputs.GitRepos {
		addReason(name, CategoryGit)
		refs[name].URL = url
	}

	// A single ignore pass covers every origin, freeform entries included.
	logger := logging.MaybeFromContext(ctx)
	for _, ignore := range inputs.Ignore {
		if _, ok := refs[ignore]; ok {
			delete(refs, ignore)
			continue
		}
		if logger != nil {
			logger.Warn("Ignore entry matched no discovered repository", "ignore", ignore)
		}
	}

	var gitNames, forgeNames []string
	for name, ref := range refs {
		if ref.Category == CategoryGit {
			gitNames = append(gitNames, name)
		} else {
			forgeNames = append(forgeNames, name)
		}
	}
	sort.Slice(gitNames, func(i, j int) bool {
		return strings.ToLower(gitNames[i]) < strings.ToLower(gitNames[j])
	})
	sort.Slice(forgeNames, func(i, j int) bool {
		return strings.ToLower(forgeNames[i]) < strings.ToLower(forgeNames[j])
	})

	var tasks []Task
	for _, name := range append(gitNames, forgeNames...) {
		task, err := resolve(*refs[name], inputs.DestinationRoot)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// resolve computes the destination, URL and mode for a ref:
//
//	forge repo -> <root>/github/clone/<owner>/<repo>  https://github.com/<owner>/<repo>.git
//	gist       -> <root>/github/gists/<id>            https://gist.github.com/<id>.git
//	freeform   -> <root>/git/<name>                   configured URL
func resolve(ref RepoRef, root string) (Task, error) {
	var rel string
	authenticated := true
	switch ref.Category {
	case CategoryGit:
		rel = filepath.Join("git", ref.Name)
		authenticated = false
	case CategoryGist:
		rel = filepath.Join(forgeID, "gists", ref.Name)
		ref.URL = "https://" + forge.GistHost + "/" + ref.Name + ".git"
	default:
		rel = filepath.Join(forgeID, "clone", filepath.FromSlash(ref.Name))
		ref.URL = "https://" + forge.Host + "/" + ref.Name + ".git"
	}

	destination := filepath.Join(root, rel)
	if !strings.HasPrefix(destination, filepath.Clean(root)+string(os.PathSeparator)) {
		return Task{}, errors.Errorf("destination for %s escapes the root", ref.Name)
	}

	return Task{
		Ref:           ref,
		Destination:   destination,
		Mode:          detectMode(destination),
		Authenticated: authenticated,
	}, nil
}

// detectMode returns ModeUpdate when the destination already holds a bare
// mirror, identified by its HEAD file.
func detectMode(destination string) gitrun.Mode {
	info, err := os.Stat(destination)
	if err != nil || !info.IsDir() {
		return gitrun.ModeClone
	}
	if _, err := os.Stat(filepath.Join(destination, "HEAD")); err != nil {
		return gitrun.ModeClone
	}
	return gitrun.ModeUpdate
}
