package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/aluedeke/go-machosign/pkg/codesign"
	"github.com/aluedeke/go-machosign/pkg/der"
	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "1.0.0"

const usage = `go-machosign - Mach-O code signature tool

Builds and embeds Apple code signatures (SuperBlob, CodeDirectory, CMS) into
thin and fat Mach-O images on any platform.

Usage:
  go-machosign sign [options] <binary>
  go-machosign info --binary=<path> [--csreq] [--config=<path>] [--log-level=<level>]
  go-machosign info --profile=<path>
  go-machosign der --entitlements=<path> [--output=<path>]
  go-machosign diff --binary1=<path> --binary2=<path>
  go-machosign -h | --help
  go-machosign --version

Commands:
  sign      Sign a Mach-O image, replacing any existing signature
  info      Display the code signature of an image or a provisioning profile
  der       Encode an entitlements plist in the DER entitlements format
  diff      Compare the code signatures of two images

Options:
  --config=<path>          YAML config file; flags override it
  --p12=<path>             P12 certificate or PEM key (or CODESIGN_P12 env var)
  --profile=<path>         Provisioning profile (or CODESIGN_PROFILE env var)
  --password=<password>    P12 password (or CODESIGN_PASSWORD env var)
  --adhoc                  Sign without an identity
  --entitlements=<path>    Entitlements plist, merged over the profile's
  --identifier=<id>        Signing identifier (default: bundle ID or CFBundleIdentifier)
  --bundleid=<id>          Bundle ID to rewrite the profile entitlements for
  --team-id=<id>           Team identifier stored in the CodeDirectory
  --info-plist=<path>      Info.plist bound into special slot 1
  --code-resources=<path>  CodeResources bound into special slot 3
  --requirements=<path>    Compiled requirements blob to embed instead of the generated one
  --hash-mode=<mode>       dual or sha256
  --page-size-bits=<n>     Code page size as a power of two (12..16)
  --reserve=<bytes>        Signature space reserved per slice
  --parallelism=<n>        Slices signed concurrently
  --output=<path>          Write the result here instead of in place
  --debug-dir=<dir>        Dump every slot of the new signature here
  --binary1=<path>         First image to compare (diff command)
  --binary2=<path>         Second image to compare (diff command)
  --csreq                  Show requirements as text using the csreq tool
  --log-level=<level>      debug, info, warn or error (or CODESIGN_LOG_LEVEL env var)
  -h --help                Show this help message
  --version                Show version

Examples:
  # Sign with a developer identity and profile
  go-machosign sign --p12=cert.p12 --password=secret --profile=dev.mobileprovision MyApp

  # Ad-hoc sign a copy with SHA-256 only
  go-machosign sign --adhoc --identifier=com.example.tool --hash-mode=sha256 --output=tool.signed tool

  # Inspect a signature
  go-machosign info --binary=MyApp --csreq
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if sign, _ := opts.Bool("sign"); sign {
		err = runSign(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(ctx, opts)
	} else if d, _ := opts.Bool("der"); d {
		err = runDER(opts)
	} else if d, _ := opts.Bool("diff"); d {
		err = runDiff(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setupLogging points the global logger at stderr and returns a context
// carrying it for library code.
func setupLogging(ctx context.Context, level zerolog.Level) context.Context {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
	return log.Logger.WithContext(ctx)
}

// loadConfig reads --config and the environment, then applies flags.
func loadConfig(opts docopt.Opts) (*codesign.Config, error) {
	path, _ := opts.String("--config")
	cfg, err := codesign.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	for flag, dst := range map[string]*string{
		"--p12":            &cfg.P12,
		"--profile":        &cfg.Profile,
		"--password":       &cfg.Password,
		"--entitlements":   &cfg.Entitlements,
		"--identifier":     &cfg.Identifier,
		"--team-id":        &cfg.TeamID,
		"--info-plist":     &cfg.InfoPlist,
		"--code-resources": &cfg.CodeResources,
		"--requirements":   &cfg.Requirements,
		"--hash-mode":      &cfg.HashMode,
		"--debug-dir":      &cfg.DebugDir,
		"--log-level":      &cfg.LogLevel,
	} {
		if v, _ := opts.String(flag); v != "" {
			*dst = v
		}
	}
	for flag, dst := range map[string]*int{
		"--page-size-bits": &cfg.PageSizeBits,
		"--parallelism":    &cfg.Parallelism,
	} {
		if v, _ := opts.String(flag); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", flag, err)
			}
			*dst = n
		}
	}
	if v, _ := opts.String("--reserve"); v != "" {
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("--reserve: %w", err)
		}
		cfg.Reserve = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	binaryPath, _ := opts.String("<binary>")
	outputPath, _ := opts.String("--output")
	bundleID, _ := opts.String("--bundleid")
	adhoc, _ := opts.Bool("--adhoc")

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx = setupLogging(ctx, cfg.Level())

	signOpts, err := cfg.Options()
	if err != nil {
		return err
	}
	if signOpts.Identifier == "" {
		signOpts.Identifier = bundleID
	}

	var identity *codesign.SigningIdentity
	if !adhoc {
		if cfg.P12 == "" {
			return fmt.Errorf("--p12 is required (or set %s environment variable), or use --adhoc", codesign.EnvP12)
		}
		identity, err = loadIdentity(ctx, cfg, &signOpts, bundleID)
		if err != nil {
			return err
		}
	}

	signer, err := codesign.NewSigner(identity, signOpts)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = binaryPath
	}
	log.Ctx(ctx).Info().
		Str("binary", binaryPath).
		Str("identifier", signer.Identifier()).
		Bool("adhoc", identity == nil).
		Msg("signing")
	return signer.SignFileTo(ctx, binaryPath, outputPath)
}

// loadIdentity loads the P12 or PEM key and, with a profile, derives the
// entitlements the signature embeds.
func loadIdentity(ctx context.Context, cfg *codesign.Config, signOpts *codesign.Options, bundleID string) (*codesign.SigningIdentity, error) {
	keyData, err := os.ReadFile(cfg.P12)
	if err != nil {
		return nil, fmt.Errorf("failed to read P12 file: %w", err)
	}
	if cfg.Profile == "" {
		id, err := codesign.LoadSigningIdentity(keyData, cfg.Password)
		if err != nil {
			return nil, err
		}
		if id.Certificate == nil {
			return nil, fmt.Errorf("a PEM key needs --profile to supply its certificate")
		}
		return id, nil
	}

	profileData, err := os.ReadFile(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	profile, err := codesign.ParseProvisioningProfile(profileData)
	if err != nil {
		return nil, err
	}
	id, err := codesign.LoadSigningIdentityWithProfile(keyData, cfg.Password, profile)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx)
	if !profile.MatchesCertificate(id.Certificate) {
		logger.Warn().Str("profile", profile.Name).Msg("signing certificate is not listed in the provisioning profile")
	}
	if profile.IsExpired(time.Now()) {
		logger.Warn().Time("expired", profile.ExpirationDate).Msg("provisioning profile has expired")
	}

	teamID := signOpts.TeamID
	if teamID == "" {
		teamID = profile.GetTeamID()
	}
	ents, err := codesign.ExtractEntitlements(profile)
	if err != nil {
		return nil, err
	}
	if bundleID != "" {
		ents = codesign.UpdateEntitlementsForBundleID(ents, teamID, bundleID)
	}
	if len(signOpts.Entitlements) > 0 {
		override, err := codesign.ParseEntitlements(signOpts.Entitlements)
		if err != nil {
			return nil, err
		}
		ents = codesign.MergeEntitlements(ents, override.Value)
	}
	if signOpts.Entitlements, err = codesign.EntitlementsToXML(ents); err != nil {
		return nil, err
	}
	return id, nil
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	if profilePath, _ := opts.String("--profile"); profilePath != "" {
		return showProfileInfo(profilePath)
	}

	binaryPath, _ := opts.String("--binary")
	useCSReq, _ := opts.Bool("--csreq")
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx = setupLogging(ctx, cfg.Level())

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	infos, err := codesign.InspectImage(data)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	var compiler codesign.RequirementCompiler
	if useCSReq {
		compiler = codesign.CSReqTool{Path: cfg.CSReq}
	}
	fmt.Printf("Binary: %s (%d slices)\n", binaryPath, len(infos))
	for _, info := range infos {
		codesign.WriteSignatureInfo(ctx, os.Stdout, info, compiler)
	}
	return nil
}

func showProfileInfo(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}

	profile, err := codesign.ParseProvisioningProfile(data)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Team ID:        %s\n", profile.GetTeamID())
	fmt.Printf("Team Name:      %s\n", profile.TeamName)
	fmt.Printf("App ID:         %s\n", profile.GetApplicationIdentifier())
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))

	if certs, err := profile.GetCertificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}

	if ents, err := codesign.ExtractEntitlements(profile); err == nil {
		fmt.Println("\nEntitlements:")
		for _, m := range ents {
			fmt.Printf("  %s: %v\n", m.Key, der.ToInterface(m.Value))
		}
	}
	return nil
}

func runDiff(opts docopt.Opts) error {
	path1, _ := opts.String("--binary1")
	path2, _ := opts.String("--binary2")

	var infos [2][]*codesign.SignatureInfo
	for i, path := range []string{path1, path2} {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read binary: %w", err)
		}
		if infos[i], err = codesign.InspectImage(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	codesign.PrintSignatureDiff(codesign.CompareImages(path1, infos[0], path2, infos[1]), os.Stdout)
	return nil
}

func runDER(opts docopt.Opts) error {
	entsPath, _ := opts.String("--entitlements")
	outputPath, _ := opts.String("--output")

	data, err := os.ReadFile(entsPath)
	if err != nil {
		return fmt.Errorf("failed to read entitlements: %w", err)
	}
	ents, err := codesign.ParseEntitlements(data)
	if err != nil {
		return err
	}
	encoded := der.Encode(ents.Value)

	if outputPath != "" {
		if err := os.WriteFile(outputPath, encoded, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", outputPath, err)
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(encoded), outputPath)
		return nil
	}
	fmt.Print(hex.Dump(encoded))
	return nil
}
