package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// errPassphraseMismatch is returned when a confirmation does not match.
var errPassphraseMismatch = errors.New("passphrases do not match")

// readPassword reads a line from the terminal without echo.
func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return nil, err
	}

	return bytes.TrimSpace(pass), nil
}

// promptPassphrase asks for the wallet passphrase until a non empty one is
// given. With confirm set the passphrase is asked twice.
func promptPassphrase(confirm bool) ([]byte, error) {
	for {
		pass, err := readPassword("Enter the wallet passphrase: ")
		if err != nil {
			return nil, err
		}
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		again, err := readPassword("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pass, again) {
			return nil, errPassphraseMismatch
		}

		return pass, nil
	}
}

// promptMnemonic reads a BIP-39 mnemonic and its optional passphrase.
func promptMnemonic() (string, string, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Enter the wallet mnemonic: ")
	mnemonic, err := reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	mnemonic = strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")

	mnPass, err := readPassword("Enter the mnemonic passphrase " +
		"(empty for none): ")
	if err != nil {
		return "", "", err
	}

	return mnemonic, string(mnPass), nil
}

// showMnemonic prints a freshly generated mnemonic for the user to back up.
func showMnemonic(mnemonic string) {
	fmt.Println("Your wallet generation mnemonic is:")
	fmt.Println()
	fmt.Println(mnemonic)
	fmt.Println()
	fmt.Println("IMPORTANT: Keep the mnemonic in a safe place. Without " +
		"it the funds cannot be recovered if the wallet database " +
		"is lost.")
}
