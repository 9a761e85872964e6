// Package util provides small string helpers shared across packages.
package util
