// Package presets assembles ready-to-use lock coordinators from the store,
// bus and holder building blocks.
package presets
