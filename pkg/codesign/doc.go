// Package codesign builds and embeds Apple code signatures natively in Go,
// so Mach-O images can be signed on any platform without Apple's codesign
// tool.
//
// # Basic Usage
//
//	id, err := codesign.LoadSigningIdentity(p12Data, password)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	signer, err := codesign.NewSigner(id, codesign.Options{
//	    Identifier:   "com.example.app",
//	    Entitlements: entitlementsXML,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = signer.SignFile(ctx, binaryPath)
//
// A nil identity produces an ad-hoc signature.
//
// # Features
//
//   - Thin and fat images, 32- and 64-bit
//   - Dual SHA-1/SHA-256 or SHA-256 only CodeDirectories
//   - XML and DER entitlements, designated requirements and CMS signatures
//   - Atomic in-place replacement of the signed file
package codesign
