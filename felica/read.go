package felica

import "fmt"

// Transceiver sends one command APDU and returns the response. It is
// implemented by pcsc.Card.
type Transceiver interface {
	Transmit(cmd []byte) ([]byte, error)
}

// ReadIdentity polls the card for its IDm and, best effort, its system
// code.
func ReadIdentity(t Transceiver) (Identity, error) {
	resp, err := t.Transmit(PollCommand())
	if err != nil {
		return Identity{}, err
	}
	idm, err := ParseIDm(resp)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{IDm: idm}
	if resp, err := t.Transmit(SystemCodeCommand()); err == nil {
		if code, err := ParseSystemCode(resp); err == nil {
			id.SystemCode = code
		}
	}
	return id, nil
}

// ReadBalance selects the balance service and decodes block 0.
func ReadBalance(t Transceiver) (int, error) {
	if err := selectService(t, ServiceBalance); err != nil {
		return 0, err
	}
	block, err := readBlock(t, 0)
	if err != nil {
		return 0, err
	}
	return ParseBalance(block)
}

// ReadHistoryBlocks selects the history service and reads blocks until
// the first unused one.
func ReadHistoryBlocks(t Transceiver) ([]HistoryBlock, error) {
	if err := selectService(t, ServiceHistory); err != nil {
		return nil, err
	}

	var blocks []HistoryBlock
	for i := 0; i < HistoryBlocks; i++ {
		raw, err := readBlock(t, byte(i))
		if err != nil {
			return nil, err
		}
		b, used, err := ParseHistoryBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if !used {
			break
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func selectService(t Transceiver, service uint16) error {
	resp, err := t.Transmit(SelectServiceCommand(service))
	if err != nil {
		return err
	}
	if _, err := CheckStatus(resp); err != nil {
		return fmt.Errorf("select service %04X: %w", service, err)
	}
	return nil
}

func readBlock(t Transceiver, block byte) ([]byte, error) {
	resp, err := t.Transmit(ReadBlockCommand(block))
	if err != nil {
		return nil, err
	}
	return ParseBlock(resp)
}
