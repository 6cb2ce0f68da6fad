// Package context contains the state shared by the CLI commands, such as the
// filesystem, configuration and database.
//
// It's separate from the app package only to avoid an import cycle between the
// app and cli packages.
package context
