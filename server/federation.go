package main

/******************************************************************************
 *
 *  Description :
 *
 *    Server-to-server federation. Peering is not implemented; only the
 *    handle exists so the rest of the server has a place to route to once
 *    it is.
 *
 *****************************************************************************/

import (
	"errors"
	"log"
)

var errFederationUnsupported = errors.New("federation is not implemented")

// FederationServer will own outbound peer links.
type FederationServer struct{}

func newFederationServer() *FederationServer {
	return &FederationServer{}
}

// Federate is rejected until peering exists.
func (f *FederationServer) Federate(url string) error {
	log.Println("federation: peering with", url, "requested; not implemented")
	return errFederationUnsupported
}
