// Package testutil holds helpers shared by package tests: a stepping wall
// clock, LWW record fixtures, and an in-memory connection pair.
package testutil
