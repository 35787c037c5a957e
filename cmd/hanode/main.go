package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("hanode", "a high-availability coordination node", NewService())
}
