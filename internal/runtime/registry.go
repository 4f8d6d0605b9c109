// Package runtime defines the per-language runtime catalogue and the
// wire-level boundary to the container engine.
package runtime

import (
	"fmt"

	"requiem/internal/store"
)

// Spec describes how one supported language is compiled and executed inside
// the sandbox runner images. The catalogue is a closed set: languages are
// validated against it at the boundary, with no fallback.
type Spec struct {
	Language store.Language

	// BaseImage is the runner image name; the provisioner tags it with the
	// requested language version.
	BaseImage string

	// SourceFile is where the primary script body lands in the workspace.
	SourceFile string

	// RunCommand is the default entry point, executed via sh -c with the
	// workspace as the working directory.
	RunCommand string

	// BuildCommand is the default build step for compiled languages.
	BuildCommand string

	// BuildRequired reports whether a build phase must run before the
	// script can execute.
	BuildRequired bool

	// Dockerfile is the build template for the runner image. The requested
	// language version is passed as the LANG_VERSION build argument.
	Dockerfile string
}

var registry = map[store.Language]Spec{
	store.LanguagePython: {
		Language:   store.LanguagePython,
		BaseImage:  "requiem-runner-python",
		SourceFile: "script.py",
		RunCommand: "python3 script.py",
		Dockerfile: pythonDockerfile,
	},
	store.LanguageGo: {
		Language:      store.LanguageGo,
		BaseImage:     "requiem-runner-go",
		SourceFile:    "main.go",
		RunCommand:    "./script",
		BuildCommand:  "go build -o script .",
		BuildRequired: true,
		Dockerfile:    goDockerfile,
	},
	store.LanguageRust: {
		Language:      store.LanguageRust,
		BaseImage:     "requiem-runner-rust",
		SourceFile:    "src/main.rs",
		RunCommand:    "./target/release/script",
		BuildCommand:  "cargo build --release",
		BuildRequired: true,
		Dockerfile:    rustDockerfile,
	},
}

// Lookup resolves a declared language against the closed catalogue.
// An unknown language is a configuration error caught before any container
// is created.
func Lookup(language store.Language) (Spec, error) {
	spec, ok := registry[language]
	if !ok {
		return Spec{}, fmt.Errorf("unsupported language %q: supported languages are python, go, rust", language)
	}
	return spec, nil
}

// Runner image templates. Each creates the unprivileged sandbox user the
// execution controller runs containers as, and pre-creates the workspace and
// output mount points with permissions that user can use.

const pythonDockerfile = `ARG LANG_VERSION=3.11
FROM python:${LANG_VERSION}-slim

RUN useradd --uid 1000 --create-home --shell /bin/sh sandbox && \
    mkdir -p /workspace /output && \
    chown -R sandbox:sandbox /workspace /output

WORKDIR /workspace
USER sandbox

CMD ["python3", "--version"]
`

const goDockerfile = `ARG LANG_VERSION=1.21
FROM golang:${LANG_VERSION}-alpine

RUN apk add --no-cache git ca-certificates && \
    adduser -D -u 1000 -s /bin/sh sandbox && \
    mkdir -p /workspace /output /home/sandbox/go && \
    chown -R sandbox:sandbox /workspace /output /home/sandbox/go

ENV GO111MODULE=on \
    GOPATH=/home/sandbox/go \
    GOCACHE=/workspace/.gocache \
    GOFLAGS=-mod=mod

WORKDIR /workspace
USER sandbox

CMD ["go", "version"]
`

const rustDockerfile = `ARG LANG_VERSION=1.75
FROM rust:${LANG_VERSION}-slim

RUN useradd --uid 1000 --create-home --shell /bin/sh sandbox && \
    mkdir -p /workspace /output && \
    chown -R sandbox:sandbox /workspace /output

ENV CARGO_HOME=/workspace/.cargo

WORKDIR /workspace
USER sandbox

CMD ["rustc", "--version"]
`
