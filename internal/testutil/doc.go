// Package testutil provides fixtures shared by the package tests: a
// controllable clock, key and certificate generation, signed JWT helpers and
// prebuilt clients and grants.
package testutil
