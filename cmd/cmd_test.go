package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServeCmd_RegistersAddrFlag(t *testing.T) {
	c := serveCmd()
	assert.Equal(t, "serve", c.Use)
	flag := c.Flags().Lookup("addr")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "0.0.0.0:8080", flag.DefValue)
	}
}

func TestValidateConfigCmd_Use(t *testing.T) {
	c := validateConfigCmd()
	assert.Equal(t, "validate-config", c.Use)
}

func TestPrintSchemaCmd_Use(t *testing.T) {
	c := printSchemaCmd()
	assert.Equal(t, "print-schema", c.Use)
}
