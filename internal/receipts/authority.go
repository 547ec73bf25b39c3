package receipts

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Payload is the data a receipt signature commits to.
type Payload struct {
	SettlementID      string
	AssetID           string
	RecipientIdentity string
	Timestamp         time.Time
}

// Message renders the canonical settlement message. The escrow program
// reconstructs the same string and recovers the signer from it.
func (p Payload) Message() string {
	return fmt.Sprintf("settle:%s:%s:%s:%d", p.AssetID, p.RecipientIdentity, p.SettlementID, p.Timestamp.Unix())
}

// Digest is the EIP-191 personal-message hash of Message.
func (p Payload) Digest() []byte {
	return accounts.TextHash([]byte(p.Message()))
}

func (p Payload) validate() error {
	for name, v := range map[string]string{
		"settlementId":      p.SettlementID,
		"assetId":           p.AssetID,
		"recipientIdentity": p.RecipientIdentity,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidPayload, name)
		}
		if strings.Contains(v, ":") {
			return fmt.Errorf("%w: %s contains ':'", ErrInvalidPayload, name)
		}
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidPayload)
	}
	return nil
}

// Authority holds the oracle signing key. The key is loaded once and
// never leaves the process.
type Authority struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewAuthority parses a hex-encoded secp256k1 key (with or without 0x).
func NewAuthority(hexKey string) (*Authority, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("receipts: invalid oracle key: %w", err)
	}
	return &Authority{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// OracleID is the checksummed address of the signing key.
func (a *Authority) OracleID() string {
	return a.address.Hex()
}

// Sign returns a 0x-prefixed 65-byte [R || S || V] signature with V in {27, 28}.
func (a *Authority) Sign(p Payload) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	sig, err := crypto.Sign(p.Digest(), a.key)
	if err != nil {
		return "", fmt.Errorf("receipts: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Verify reports whether sig over p was produced by this authority.
func (a *Authority) Verify(p Payload, sig string) bool {
	signer, err := Recover(p, sig)
	return err == nil && signer == a.address
}

// Recover returns the address that produced sig over p.
func Recover(p Payload, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("receipts: decode signature: %w", err)
	}
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("receipts: signature must be %d bytes, got %d", crypto.SignatureLength, len(raw))
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(p.Digest(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("receipts: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
