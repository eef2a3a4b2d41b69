package common

import (
	"os"
	"path/filepath"
	"runtime/debug"

	git "github.com/go-git/go-git/v5"
)

const unknownCommit = "unknown"

// GetCommitHash returns the short commit of the checkout the binary runs
// from. It tries the working directory, then the executable's directory,
// then the VCS stamp the go tool embeds at build time.
func GetCommitHash() string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, dir := range dirs {
		if hash := headCommit(dir); hash != "" {
			return shortHash(hash)
		}
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shortHash(s.Value)
			}
		}
	}
	return unknownCommit
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func headCommit(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
