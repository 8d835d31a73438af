package main

import (
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamscao/castore/internal/ca"
	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

var requestCmd = &cobra.Command{
	Use:   "request <file>",
	Short: "Add a certificate request (PKCS #10 or CRMF, PEM or DER)",
	Args:  cobra.ExactArgs(1),
	RunE:  addRequest,
}

var requestDeleteCmd = &cobra.Command{
	Use:   "delete <request-id>",
	Short: "Withdraw a pending certificate, renewal or revocation request",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteRequest,
}

var issueCmd = &cobra.Command{
	Use:   "issue <request-id>",
	Short: "Issue a certificate for a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  issueCert,
}

var completeCmd = &cobra.Command{
	Use:   "complete <cert-id>",
	Short: "Complete, drop or reverse a multi-step issue",
	Args:  cobra.ExactArgs(1),
	RunE:  completeIssue,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <cert-id>",
	Short: "Revoke an issued certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  revokeCert,
}

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Issue a CRL of all current revocations",
	Args:  cobra.NoArgs,
	RunE:  issueCRL,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired certificates, or resume interrupted work with --restart",
	Args:  cobra.NoArgs,
	RunE:  cleanup,
}

var (
	requestCRMF    bool
	requestRenewal bool
	requestPKIUser string

	issueMultiStep bool
	outputPath     string

	completeAction string

	revokeReason string

	cleanupRestart bool
)

var completeActions = map[string]models.Action{
	"complete": models.ActionCertCreationComplete,
	"drop":     models.ActionCertCreationDrop,
	"reverse":  models.ActionCertCreationReverse,
}

var revocationReasons = map[string]int{
	"unspecified":         models.ReasonUnspecified,
	"key-compromise":      models.ReasonKeyCompromise,
	"ca-compromise":       models.ReasonCACompromise,
	"affiliation-changed": models.ReasonAffiliationChanged,
	"superseded":          models.ReasonSuperseded,
	"cessation":           models.ReasonCessationOfOperation,
	"certificate-hold":    models.ReasonCertificateHold,
	"privilege-withdrawn": models.ReasonPrivilegeWithdrawn,
	"aa-compromise":       models.ReasonAACompromise,
}

func init() {
	requestCmd.Flags().BoolVar(&requestCRMF, "crmf", false, "Treat the file as a CRMF-style certification request")
	requestCmd.Flags().BoolVar(&requestRenewal, "renewal", false, "Request renewal of the certificate for the same key")
	requestCmd.Flags().StringVar(&requestPKIUser, "pki-user", "", "PKI user ID authorising the request")

	issueCmd.Flags().BoolVar(&issueMultiStep, "multi-step", false, "Leave the certificate pending until 'complete'")
	issueCmd.Flags().StringVarP(&outputPath, "out", "o", "", "Write the PEM certificate here instead of stdout")

	completeCmd.Flags().StringVar(&completeAction, "action", "complete", "One of complete, drop, reverse")

	revokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "Revocation reason ("+reasonNames()+")")

	crlCmd.Flags().StringVarP(&outputPath, "out", "o", "", "Write the PEM CRL here instead of stdout")

	cleanupCmd.Flags().BoolVar(&cleanupRestart, "restart", false, "Resume interrupted issues, renewals and revocations")

	requestCmd.AddCommand(requestDeleteCmd)
	rootCmd.AddCommand(requestCmd, issueCmd, completeCmd, revokeCmd, crlCmd, cleanupCmd)
}

func reasonNames() string {
	names := make([]string, 0, len(revocationReasons))
	for name := range revocationReasons {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// readObject imports a PEM or DER encoded object from a file
func readObject(objects certobj.Factory, path string, kind certobj.Kind) (certobj.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	obj, err := objects.Import(data, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return obj, nil
}

func addRequest(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	kind := certobj.KindCertRequest
	if requestCRMF {
		kind = certobj.KindRequestCert
	}
	req, err := readObject(a.keyset.Objects(), args[0], kind)
	if err != nil {
		return err
	}
	defer req.Destroy()

	id, err := a.engine.AddRequest(cmd.Context(), req, ca.RequestOptions{
		Renewal:   requestRenewal,
		PKIUserID: requestPKIUser,
	})
	if err != nil {
		return fmt.Errorf("failed to add request: %w", err)
	}
	fmt.Printf("Request ID: %s\n", id)
	return nil
}

func deleteRequest(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.DeleteRequest(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	fmt.Printf("Request %s deleted\n", args[0])
	return nil
}

func issueCert(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := a.keyset.GetRequest(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to find request: %w", err)
	}
	defer req.Destroy()

	action := models.ActionIssueCert
	if issueMultiStep {
		action = models.ActionCertCreation
	}
	cert, err := a.engine.IssueCert(cmd.Context(), a.keyPair.Authority(), req, action)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	defer cert.Destroy()

	certID, err := keyid.Derive(cert, keyid.IDCertID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Certificate ID: %s\n", certID)

	certPEM, err := cert.Export(certobj.FormatPEM)
	if err != nil {
		return err
	}
	return writeOutput(outputPath, certPEM)
}

func completeIssue(cmd *cobra.Command, args []string) error {
	action, ok := completeActions[completeAction]
	if !ok {
		return fmt.Errorf("unknown action %q: must be complete, drop or reverse", completeAction)
	}

	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	cert, _, err := a.keyset.GetCertState(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to find certificate: %w", err)
	}
	defer cert.Destroy()

	outcome, err := a.engine.CompleteIssue(cmd.Context(), cert, action)
	if err != nil {
		return fmt.Errorf("failed to %s issue: %w", completeAction, err)
	}
	fmt.Printf("Certificate %s: %s %s\n", args[0], action, outcome)
	return nil
}

func revokeCert(cmd *cobra.Command, args []string) error {
	reason, ok := revocationReasons[revokeReason]
	if !ok {
		return fmt.Errorf("unknown revocation reason %q", revokeReason)
	}

	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	cert, err := a.keyset.GetItem(ctx, certobj.KindCertificate, keyid.IDCertID, args[0], repository.UsageAny)
	if err != nil {
		return fmt.Errorf("failed to find certificate: %w", err)
	}
	defer cert.Destroy()

	revReq, err := a.keyset.Objects().Create(certobj.KindRevocationRequest)
	if err != nil {
		return err
	}
	defer revReq.Destroy()
	if err := revReq.SetObject(certobj.AttrCertificate, cert); err != nil {
		return err
	}
	if err := revReq.SetInt(certobj.AttrRevocationReason, reason); err != nil {
		return err
	}

	if _, err := a.engine.AddRequest(ctx, revReq, ca.RequestOptions{}); err != nil {
		return fmt.Errorf("failed to add revocation request: %w", err)
	}
	outcome, err := a.engine.RevokeCert(ctx, revReq, models.ActionRevokeCert)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	fmt.Printf("Certificate %s revoked (%s): %s\n", args[0], revokeReason, outcome)
	return nil
}

func issueCRL(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	crl, err := a.engine.IssueCRL(cmd.Context(), a.keyPair.Authority())
	if err != nil {
		return fmt.Errorf("failed to issue CRL: %w", err)
	}
	defer crl.Destroy()

	crlPEM, err := crl.Export(certobj.FormatPEM)
	if err != nil {
		return err
	}
	return writeOutput(outputPath, crlPEM)
}

func cleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	action := models.ActionExpireCert
	if cleanupRestart {
		action = models.ActionRestartCleanup
	}
	outcome, err := a.engine.Cleanup(cmd.Context(), action)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if outcome == ca.OutcomeFallback {
		a.log.WithField("action", action).Warn("cleanup needed an unconditional delete, see the audit log")
	}
	fmt.Printf("Cleanup %s\n", outcome)
	return nil
}
