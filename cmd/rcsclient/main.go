// Команда rcsclient запускает IMS клиента: регистрацию, входящие сессии и
// подписки на конференции.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
