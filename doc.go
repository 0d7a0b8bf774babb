// Package main provides the go-machosign CLI for signing Mach-O images.
//
// For the library API, see the codesign subpackage:
//
//	import "github.com/aluedeke/go-machosign/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-machosign@latest
package main
