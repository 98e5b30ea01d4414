package contracts

// RentalEscrowABI is the ABI of the per-booking rental escrow contract.
// The constructor is listed for contract identity only; the payment flow
// uses currentState, rentAmount and fund.
const RentalEscrowABI = `[
	{
		"type": "constructor",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "_owner", "type": "address"},
			{"name": "_tenant", "type": "address"},
			{"name": "_rentAmount", "type": "uint256"},
			{"name": "_checkInDate", "type": "uint256"},
			{"name": "_checkOutDate", "type": "uint256"}
		]
	},
	{
		"type": "function",
		"name": "currentState",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"type": "function",
		"name": "rentAmount",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "owner",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"type": "function",
		"name": "tenant",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"type": "function",
		"name": "fund",
		"stateMutability": "payable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function",
		"name": "release",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function",
		"name": "cancel",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "event",
		"name": "Funded",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "tenant", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	}
]`
