// Package catalog reads candidate listings from the product master data and
// renders them into queue payload snapshots.
package catalog
