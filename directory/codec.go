package directory

import (
	"bytes"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/satledger/paycore/amount"
)

const (
	walletAccountType  tlv.Type = 0
	walletCurrencyType tlv.Type = 1

	accountUsernameType tlv.Type = 0
	accountLevelType    tlv.Type = 1
	accountStatusType   tlv.Type = 2
	accountOwnerType    tlv.Type = 3
	accountDefaultType  tlv.Type = 4

	userLanguageType tlv.Type = 0
	userPhoneType    tlv.Type = 1
)

// encodeStream serializes a set of records into a byte slice.
func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream parses a byte slice into the given records.
func decodeStream(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(v))
}

func serializeWallet(w *WalletDescriptor) ([]byte, error) {
	accountID := []byte(w.AccountID)
	currency := uint8(w.Currency)

	return encodeStream(
		tlv.MakePrimitiveRecord(walletAccountType, &accountID),
		tlv.MakePrimitiveRecord(walletCurrencyType, &currency),
	)
}

func deserializeWallet(id WalletID, v []byte) (*WalletDescriptor, error) {
	var (
		accountID []byte
		currency  uint8
	)
	err := decodeStream(
		v,
		tlv.MakePrimitiveRecord(walletAccountType, &accountID),
		tlv.MakePrimitiveRecord(walletCurrencyType, &currency),
	)
	if err != nil {
		return nil, err
	}

	return &WalletDescriptor{
		ID:        id,
		AccountID: AccountID(accountID),
		Currency:  amount.WalletCurrency(currency),
	}, nil
}

func serializeAccount(a *Account) ([]byte, error) {
	var (
		username      = []byte(a.Username)
		level         = uint8(a.Level)
		status        = uint8(a.Status)
		owner         = []byte(a.OwnerID)
		defaultWallet = []byte(a.DefaultWalletID)
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(accountUsernameType, &username),
		tlv.MakePrimitiveRecord(accountLevelType, &level),
		tlv.MakePrimitiveRecord(accountStatusType, &status),
		tlv.MakePrimitiveRecord(accountOwnerType, &owner),
		tlv.MakePrimitiveRecord(accountDefaultType, &defaultWallet),
	)
}

func deserializeAccount(id AccountID, v []byte) (*Account, error) {
	var (
		username, owner, defaultWallet []byte
		level, status                  uint8
	)
	err := decodeStream(
		v,
		tlv.MakePrimitiveRecord(accountUsernameType, &username),
		tlv.MakePrimitiveRecord(accountLevelType, &level),
		tlv.MakePrimitiveRecord(accountStatusType, &status),
		tlv.MakePrimitiveRecord(accountOwnerType, &owner),
		tlv.MakePrimitiveRecord(accountDefaultType, &defaultWallet),
	)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:              id,
		Username:        string(username),
		Level:           AccountLevel(level),
		Status:          AccountStatus(status),
		OwnerID:         UserID(owner),
		DefaultWalletID: WalletID(defaultWallet),
	}, nil
}

func serializeUser(u *User) ([]byte, error) {
	language := []byte(u.Language)
	phone := []byte(u.Phone)

	return encodeStream(
		tlv.MakePrimitiveRecord(userLanguageType, &language),
		tlv.MakePrimitiveRecord(userPhoneType, &phone),
	)
}

func deserializeUser(id UserID, v []byte) (*User, error) {
	var language, phone []byte
	err := decodeStream(
		v,
		tlv.MakePrimitiveRecord(userLanguageType, &language),
		tlv.MakePrimitiveRecord(userPhoneType, &phone),
	)
	if err != nil {
		return nil, err
	}

	return &User{
		ID:       id,
		Language: string(language),
		Phone:    string(phone),
	}, nil
}
