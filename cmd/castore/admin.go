package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamscao/castore/internal/ca"
	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the store schema and the CA key pair",
	Args:  cobra.NoArgs,
	RunE:  initStore,
}

var pkiUserCmd = &cobra.Command{
	Use:   "pkiuser",
	Short: "Manage PKI users",
}

var pkiUserAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a PKI user that may authorise one certificate request",
	Args:  cobra.NoArgs,
	RunE:  addPKIUser,
}

var pkiUserDeleteCmd = &cobra.Command{
	Use:   "delete <pki-user-cert-id>",
	Short: "Delete a PKI user",
	Args:  cobra.ExactArgs(1),
	RunE:  deletePKIUser,
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Search certificates by a subject field",
	Args:  cobra.NoArgs,
	RunE:  findCerts,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List the most recent audit log entries",
	Args:  cobra.NoArgs,
	RunE:  listLog,
}

var (
	pkiUserCN    string
	pkiUserOrg   string
	pkiUserEmail string

	findField   string
	findPattern string

	logLimit int
)

func init() {
	pkiUserAddCmd.Flags().StringVar(&pkiUserCN, "cn", "", "Common name the user's requests must carry (required)")
	pkiUserAddCmd.Flags().StringVar(&pkiUserOrg, "org", "", "Organization")
	pkiUserAddCmd.Flags().StringVar(&pkiUserEmail, "email", "", "Email address")
	pkiUserAddCmd.MarkFlagRequired("cn")

	findCmd.Flags().StringVar(&findField, "field", "CN", "Field to search (C, SP, L, O, OU, CN, email)")
	findCmd.Flags().StringVarP(&findPattern, "pattern", "p", "", "Pattern, '*' matches any run of characters (required)")
	findCmd.MarkFlagRequired("pattern")

	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "Maximum entries to list")

	pkiUserCmd.AddCommand(pkiUserAddCmd, pkiUserDeleteCmd)
	rootCmd.AddCommand(initCmd, pkiUserCmd, findCmd, logCmd)
}

func initStore(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := db.CurrentVersion(cmd.Context(), a.conn)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fingerprint, err := a.keyPair.Fingerprint()
	if err != nil {
		return err
	}
	caID, err := keyid.Derive(a.keyPair.Certificate, keyid.IDCertID)
	if err != nil {
		return err
	}

	fmt.Printf("\nStore initialised!\n")
	fmt.Printf("Backend:        %s (schema version %d)\n", a.cfg.Database.Backend, version)
	fmt.Printf("CA store:       %t\n", a.cfg.Database.CAStore)
	fmt.Printf("CA certificate: %s\n", a.cfg.CA.CertificatePath)
	fmt.Printf("CA cert ID:     %s\n", caID)
	fmt.Printf("Key type:       %s\n", a.keyPair.KeyType)
	fmt.Printf("Fingerprint:    %s\n", fingerprint)
	return nil
}

func addPKIUser(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.keyset.Objects().Create(certobj.KindPKIUser)
	if err != nil {
		return err
	}
	defer user.Destroy()

	fields := []struct {
		attr  certobj.Attribute
		value string
	}{
		{certobj.AttrCommonName, pkiUserCN},
		{certobj.AttrOrganization, pkiUserOrg},
		{certobj.AttrEmail, pkiUserEmail},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := user.SetText(f.attr, f.value); err != nil {
			return err
		}
	}

	certID, err := a.engine.AddPKIUser(cmd.Context(), user)
	if err != nil {
		return fmt.Errorf("failed to create PKI user: %w", err)
	}
	userID, err := user.Text(certobj.AttrPKIUserID)
	if err != nil {
		return err
	}

	fmt.Printf("\nPKI user created successfully!\n")
	fmt.Printf("Cert ID: %s\n", certID)
	fmt.Printf("User ID: %s\n", userID)
	fmt.Printf("\nPass the user ID with 'request --pki-user' to authorise one request\n")
	return nil
}

func deletePKIUser(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.DeletePKIUser(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete PKI user: %w", err)
	}
	fmt.Printf("PKI user %s deleted\n", args[0])
	return nil
}

func findCerts(cmd *cobra.Command, args []string) error {
	field, err := repository.ParseField(findField)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	defer a.keyset.CancelQuery(ctx)

	fmt.Printf("%-24s %-30s %-20s %s\n", "Cert ID", "Common Name", "Not After", "Serial")
	fmt.Println("--------------------------------------------------------------------------------")

	found := 0
	cert, err := a.keyset.FindByPattern(ctx, field, findPattern)
	for err == nil {
		if found >= a.cfg.Limits.MaxIterations {
			return fmt.Errorf("more than %d matches, refine the pattern: %w", found, models.ErrIterationLimit)
		}
		if perr := printCert(cert); perr != nil {
			cert.Destroy()
			return perr
		}
		cert.Destroy()
		found++
		cert, err = a.keyset.GetNext(ctx)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("search failed: %w", err)
	}

	fmt.Printf("\nTotal matches: %d\n", found)
	return nil
}

func printCert(cert certobj.Object) error {
	certID, err := keyid.Derive(cert, keyid.IDCertID)
	if err != nil {
		return err
	}
	cn, _ := cert.Text(certobj.AttrCommonName)
	notAfter, err := cert.Time(certobj.AttrValidTo)
	if err != nil {
		return err
	}
	serial, _ := cert.Bytes(certobj.AttrSerialNumber)
	fmt.Printf("%-24s %-30s %-20s %x\n", certID, cn, notAfter.Format("2006-01-02 15:04:05"), serial)
	return nil
}

func listLog(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.keyset.ListLog(cmd.Context(), logLimit)
	if err != nil {
		return fmt.Errorf("failed to list audit log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No log entries found")
		return nil
	}

	fmt.Printf("\nTotal entries: %d\n\n", len(entries))
	fmt.Printf("%-20s %-24s %-24s %-24s %s\n", "Time", "Action", "Cert ID", "Request", "Subject")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, entry := range entries {
		fmt.Printf("%-20s %-24s %-24s %-24s %s\n",
			entry.ActionTime.Format("2006-01-02 15:04:05"),
			entry.Action,
			entry.CertID,
			entry.ReqCertID,
			entry.SubjCertID,
		)
		if entry.Action == models.ActionError {
			printErrorRecord(entry)
		}
	}

	return nil
}

// printErrorRecord shows the decoded payload of an error row
func printErrorRecord(entry models.CertLogEntry) {
	record, err := ca.ParseErrorRecord(entry.CertData)
	if err != nil {
		fmt.Printf("    (unreadable error record: %v)\n", err)
		return
	}
	fmt.Printf("    status %d: %s\n", record.Status, record.Message)
}
