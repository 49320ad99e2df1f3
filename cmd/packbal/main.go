package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inferonet/creditpack/internal/wallet"
)

func main() {
	apiURL := os.Getenv("WALLET_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:19932"
	}
	engine := wallet.NewClient(apiURL, os.Getenv("WALLET_API_KEY"))
	ctx := context.Background()

	balance, err := engine.SpendableBalance(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "balance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("spendable: %s\n", balance)

	packs, err := engine.ListValidCreditPacks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "credit packs: %v\n", err)
		os.Exit(1)
	}
	for _, p := range packs {
		fmt.Printf("%s  balance=%s  initial=%d  paid=%s/credit\n",
			p.RegistrationTxID, p.Balance, p.InitialCredits, p.PerCreditPrice)
	}
}
