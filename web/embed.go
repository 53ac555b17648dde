package web

import "embed"

// Templates embeds HTML templates.
//
//go:embed templates/**/*.html
var Templates embed.FS

// Static embeds static assets.
//
//go:embed static/**/*
var Static embed.FS

// Nav is the navigation manifest rendered in the page header.
//
//go:embed nav.yaml
var Nav []byte
