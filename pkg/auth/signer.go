// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth signs requests with credentials or bearer tokens resolved
// by the identity package.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/endpoint"
	"github.com/tombee/relay/pkg/identity"
)

// UnsignedPayload is sent as the content hash when the body is not signed.
const UnsignedPayload = "UNSIGNED-PAYLOAD"

const contentSHA256Header = "X-Amz-Content-Sha256"

// SigningParams name the scope a request is signed for. When absent from
// the call configuration the service and region of endpoint.Params are used.
type SigningParams struct {
	Service string
	Region  string
	// UnsignedPayload skips hashing the body.
	UnsignedPayload bool
}

// Signer signs a pending request in place. Given the same request,
// credentials, parameters and time it produces the same signature.
type Signer interface {
	Sign(ctx context.Context, req *http.Request, creds identity.Credentials, params SigningParams, signingTime time.Time) error
}

// ChunkSigner signs the chunks of a streamed body. Each signature is derived
// from the previous one, starting from the signature of the request.
type ChunkSigner interface {
	SignChunk(ctx context.Context, creds identity.Credentials, params SigningParams, prevSignature, headers, payload []byte, signingTime time.Time) ([]byte, error)
}

// SigV4Signer signs with AWS Signature Version 4.
type SigV4Signer struct {
	signer *v4.Signer
}

// NewSigV4Signer creates a SigV4 signer.
func NewSigV4Signer() *SigV4Signer {
	return &SigV4Signer{signer: v4.NewSigner()}
}

// Sign implements Signer.
func (s *SigV4Signer) Sign(ctx context.Context, req *http.Request, creds identity.Credentials, params SigningParams, signingTime time.Time) error {
	if params.Service == "" || params.Region == "" {
		return fmt.Errorf("signing requires a service and region, got service=%q region=%q", params.Service, params.Region)
	}

	payloadHash := UnsignedPayload
	if !params.UnsignedPayload {
		var err error
		if payloadHash, err = hashBody(req); err != nil {
			return err
		}
	}
	req.Header.Set(contentSHA256Header, payloadHash)

	if err := s.signer.SignHTTP(ctx, creds.AWS(), req, payloadHash, params.Service, params.Region, signingTime); err != nil {
		return errors.New(identity.SanitizeAWSError(err.Error()))
	}
	return nil
}

// hashBody returns the hex SHA-256 of the request body without consuming
// it. A body that cannot be re-read is buffered so retries can reopen it.
func hashBody(req *http.Request) (string, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return hashBytes(nil), nil
	}

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return "", fmt.Errorf("reopen body: %w", err)
		}
		defer body.Close()
		h := sha256.New()
		if _, err := io.Copy(h, body); err != nil {
			return "", fmt.Errorf("hash body: %w", err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return hashBytes(data), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SigV4ChunkSigner signs event-stream chunks with SigV4.
type SigV4ChunkSigner struct{}

// SignChunk implements ChunkSigner.
func (SigV4ChunkSigner) SignChunk(ctx context.Context, creds identity.Credentials, params SigningParams, prevSignature, headers, payload []byte, signingTime time.Time) ([]byte, error) {
	signer := v4.NewStreamSigner(creds.AWS(), params.Service, params.Region, prevSignature)
	return signer.GetSignature(ctx, headers, payload, signingTime)
}

// SignatureFromAuthorization extracts the hex signature from a SigV4
// Authorization header and decodes it, for seeding chunk signing.
func SignatureFromAuthorization(header string) ([]byte, error) {
	const marker = "Signature="
	i := strings.LastIndex(header, marker)
	if i < 0 {
		return nil, errors.New("authorization header has no signature")
	}
	return hex.DecodeString(header[i+len(marker):])
}

// ChunkChain carries the running signature across the chunks of one body.
// It is not safe for concurrent use.
type ChunkChain struct {
	signer ChunkSigner
	creds  identity.Credentials
	params SigningParams
	last   []byte
}

// NewChunkChain starts a chain from the request signature seed.
func NewChunkChain(signer ChunkSigner, creds identity.Credentials, params SigningParams, seed []byte) *ChunkChain {
	return &ChunkChain{signer: signer, creds: creds, params: params, last: seed}
}

// Next signs one chunk and advances the chain.
func (c *ChunkChain) Next(ctx context.Context, headers, payload []byte, signingTime time.Time) ([]byte, error) {
	sig, err := c.signer.SignChunk(ctx, c.creds, c.params, c.last, headers, payload, signingTime)
	if err != nil {
		return nil, err
	}
	c.last = sig
	return sig, nil
}

// Last returns the most recent signature.
func (c *ChunkChain) Last() []byte { return c.last }

// SigningParamsFrom returns the signing scope for a call.
func SigningParamsFrom(cfg *configbag.Bag) SigningParams {
	if p, ok := configbag.Load[SigningParams](cfg); ok {
		return p
	}
	ep := configbag.LoadOr(cfg, endpoint.Params{})
	return SigningParams{Service: ep.Service, Region: ep.Region}
}
