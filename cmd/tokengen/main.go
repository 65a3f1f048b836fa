// Command tokengen prints a bearer token for local testing of the API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/and161185/postwallet/internal/auth"
	"go.uber.org/zap"
)

func main() {
	logger := zap.Must(zap.NewDevelopment()).Sugar()

	key := flag.String("k", os.Getenv("POSTWALLET_KEY"), "JWT signing key")
	subject := flag.String("sub", "", "customer id the token is issued to")
	role := flag.String("role", string(auth.RoleCustomer), "customer or staff")
	flag.Parse()

	if *key == "" || *subject == "" {
		logger.Fatal("both -k and -sub are required")
	}

	p := auth.Principal{CustomerID: *subject, Role: auth.Role(*role)}
	if p.Role != auth.RoleCustomer && p.Role != auth.RoleStaff {
		logger.Fatalf("unknown role %q", *role)
	}

	token, err := auth.NewTokenManager(*key).GenerateToken(p)
	if err != nil {
		logger.Fatal(err)
	}
	fmt.Println(token)
}
