package main

import (
	"fmt"
	"os"

	"github.com/openclaw/wa-relay-server-go/internal/util"
)

func main() {
	token, err := util.GenerateAPIToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
